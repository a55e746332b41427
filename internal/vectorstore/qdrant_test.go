package vectorstore

import (
	"context"
	"errors"
	"os"
	"strconv"
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestQdrantConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     QdrantConfig
		wantErr bool
	}{
		{"valid", QdrantConfig{Host: "localhost", Port: 6334}, false},
		{"missing host", QdrantConfig{Port: 6334}, true},
		{"bad port", QdrantConfig{Host: "localhost", Port: 70000}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("plain"), false},
		{status.Error(grpccodes.Unavailable, "down"), true},
		{status.Error(grpccodes.DeadlineExceeded, "slow"), true},
		{status.Error(grpccodes.ResourceExhausted, "busy"), true},
		{status.Error(grpccodes.NotFound, "missing"), false},
		{status.Error(grpccodes.InvalidArgument, "bad"), false},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransientError(tt.err))
		})
	}
}

func TestBuildQdrantFilter(t *testing.T) {
	f := buildQdrantFilter(alice, Filter{
		Documents: []string{"a.csv", "b.csv"},
		Groups:    []string{"finance"},
	})

	require.Len(t, f.GetMust(), 4)
	assert.Equal(t, "user_id", f.GetMust()[0].GetField().GetKey())
	assert.Equal(t, "alice", f.GetMust()[0].GetField().GetMatch().GetKeyword())
	assert.Equal(t, "session_id", f.GetMust()[1].GetField().GetKey())
	assert.Equal(t, []string{"a.csv", "b.csv"}, f.GetMust()[2].GetField().GetMatch().GetKeywords().GetStrings())
	assert.Equal(t, []string{"finance"}, f.GetMust()[3].GetField().GetMatch().GetKeywords().GetStrings())
}

func TestPayloadRoundTrip(t *testing.T) {
	md := Metadata{User: "u", Session: "s", Document: "d.csv", Group: "g", ChunkIndex: 3, RowStart: 10, RowEnd: 20}
	got, content := fromPayload(toPayload(md, "body"))
	assert.Equal(t, md, got)
	assert.Equal(t, "body", content)

	empty, _ := fromPayload(map[string]*qdrant.Value{})
	assert.Equal(t, Metadata{}, empty)
}

// TestQdrantStore_Integration runs against a live server when QDRANT_HOST is set.
func TestQdrantStore_Integration(t *testing.T) {
	host := os.Getenv("QDRANT_HOST")
	if host == "" {
		t.Skip("QDRANT_HOST not set")
	}
	port := 6334
	if p := os.Getenv("QDRANT_PORT"); p != "" {
		port, _ = strconv.Atoi(p)
	}

	s, err := NewQdrantStore(QdrantConfig{Host: host, Port: port}, nil)
	require.NoError(t, err)
	defer s.Close()

	ctx := WithScope(context.Background(), Scope{User: "it", Session: "qdrant"})
	require.NoError(t, s.Clear(ctx))

	require.NoError(t, s.Add(ctx, []Record{
		rec([]float32{1, 0}, "a.csv", "g", 0),
		rec([]float32{0, 1}, "b.csv", "h", 0),
	}))

	hits, err := s.Query(ctx, []float32{1, 0}, 5, Filter{Groups: []string{"g"}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a.csv", hits[0].Metadata.Document)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-4)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Clear(ctx))
}
