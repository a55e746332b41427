package citation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/sessionrag/internal/logging"
)

func allowedDocs(n int) []Citation {
	out := make([]Citation, n)
	for i := range out {
		out[i] = Doc(i)
	}
	return out
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		want   []Citation
	}{
		{"none", "no citations here", []Citation{}},
		{"adjacent", "[doc:0][doc:12]", []Citation{Doc(0), Doc(12)}},
		{"other types", "see [web:3] and [my_src-2:7]", []Citation{{Type: "web", Index: 3}, {Type: "my_src-2", Index: 7}}},
		{"rejects malformed", "[Doc:1] [doc:-1] [doc: 2] [1doc:3] [doc:]", []Citation{}},
		{"overflow", "[doc:99999999999999999999]", []Citation{{Type: "doc", Index: -1}}},
		{"repeats kept", "[doc:1] and again [doc:1]", []Citation{Doc(1), Doc(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Extract(tt.answer))
		})
	}
}

func TestInvalid(t *testing.T) {
	used := Extract("[doc:5] [doc:1] [web:0] [doc:5] [doc:3]")
	assert.Equal(t, []Citation{Doc(5), {Type: "web", Index: 0}}, Invalid(used, allowedDocs(4)))
	assert.Empty(t, Invalid(Extract("[doc:0] [doc:3]"), allowedDocs(4)))
	assert.Empty(t, Invalid(nil, nil))
}

func TestStrip(t *testing.T) {
	tests := []struct {
		name    string
		answer  string
		invalid []Citation
		want    string
	}{
		{"middle", "Revenue rose [doc:5] in Q3 [doc:1].", []Citation{Doc(5)}, "Revenue rose in Q3 [doc:1]."},
		{"before punctuation", "Total is 5 [doc:9].", []Citation{Doc(9)}, "Total is 5."},
		{"every occurrence", "[doc:7] a [doc:7] b", []Citation{Doc(7)}, "a b"},
		{"multiline", "line one [doc:4]\nline two", []Citation{Doc(4)}, "line one\nline two"},
		{"nothing to strip", "kept [doc:1]", nil, "kept [doc:1]"},
		{"adjacent invalid tokens", "see [doc:7] [doc:8] here", []Citation{Doc(7), Doc(8)}, "see here"},
		{
			"indentation and spacing kept",
			"Steps:\n    code := 1  // aligned [doc:0]\n  - item [doc:9]",
			[]Citation{Doc(9)},
			"Steps:\n    code := 1  // aligned [doc:0]\n  - item",
		},
		{"space before colon kept", "Ratio : 3 [doc:6] : 4", []Citation{Doc(6)}, "Ratio : 3 : 4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Strip(tt.answer, tt.invalid))
		})
	}
}

func TestCitation_String(t *testing.T) {
	assert.Equal(t, "[doc:3]", Doc(3).String())
}

func static(answer string) GenerateFunc {
	return func(context.Context) (string, error) { return answer, nil }
}

func TestValidator_ValidFirstTime(t *testing.T) {
	v := NewValidator(1, nil)
	repairCalled := false
	repair := func(context.Context, string, []Citation) (string, error) {
		repairCalled = true
		return "", nil
	}

	out, err := v.Run(context.Background(), static("Sales grew [doc:0]."), repair, allowedDocs(2))
	require.NoError(t, err)
	assert.True(t, out.Valid)
	assert.False(t, out.Repaired)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, "Sales grew [doc:0].", out.Answer)
	assert.False(t, repairCalled)
}

func TestValidator_RepairFixesAnswer(t *testing.T) {
	v := NewValidator(1, nil)
	var gotInvalid []Citation
	repair := func(_ context.Context, answer string, invalid []Citation) (string, error) {
		gotInvalid = invalid
		return "Sales grew [doc:2].", nil
	}

	out, err := v.Run(context.Background(), static("Sales grew [doc:5]."), repair, allowedDocs(4))
	require.NoError(t, err)
	assert.Equal(t, []Citation{Doc(5)}, gotInvalid)
	assert.False(t, out.Valid, "a repaired answer is still flagged")
	assert.True(t, out.Repaired)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, "Sales grew [doc:2].", out.Answer)
	assert.Empty(t, out.Stripped)
}

// Only chunks 0-3 were in context and the model keeps citing [doc:5].
func TestValidator_StripsWhenRepairDoesNotHelp(t *testing.T) {
	v := NewValidator(1, nil)
	repair := func(context.Context, string, []Citation) (string, error) {
		return "Sales grew [doc:5] per [doc:1].", nil
	}

	out, err := v.Run(context.Background(), static("Sales grew [doc:5]."), repair, allowedDocs(4))
	require.NoError(t, err)
	assert.False(t, out.Valid)
	assert.True(t, out.Repaired)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, []Citation{Doc(5)}, out.Stripped)
	assert.Equal(t, "Sales grew per [doc:1].", out.Answer)
	assert.NotContains(t, out.Answer, "[doc:5]")
}

func TestValidator_RepairErrorFinalizes(t *testing.T) {
	logger := logging.NewTestLogger()
	v := NewValidator(1, logger.Logger)
	repair := func(context.Context, string, []Citation) (string, error) {
		return "", errors.New("provider down")
	}

	out, err := v.Run(context.Background(), static("Answer [doc:9]."), repair, allowedDocs(2))
	require.NoError(t, err)
	assert.False(t, out.Valid)
	assert.False(t, out.Repaired)
	assert.Equal(t, "Answer.", out.Answer)
	logger.AssertLogged(t, zapcore.WarnLevel, "citation repair failed")
}

func TestValidator_BoundedRepairs(t *testing.T) {
	tests := []struct {
		maxRepairs   int
		wantAttempts int
	}{
		{0, 1},
		{1, 2},
		{3, 4},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("max_%d", tt.maxRepairs), func(t *testing.T) {
			calls := 0
			repair := func(context.Context, string, []Citation) (string, error) {
				calls++
				return "still wrong [doc:8]", nil
			}
			out, err := NewValidator(tt.maxRepairs, nil).Run(context.Background(), static("wrong [doc:8]"), repair, allowedDocs(1))
			require.NoError(t, err)
			assert.Equal(t, tt.maxRepairs, calls)
			assert.Equal(t, tt.wantAttempts, out.Attempts)
			assert.False(t, out.Valid)
		})
	}
}

func TestValidator_GenerateError(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewValidator(1, nil).Run(context.Background(), func(context.Context) (string, error) {
		return "", boom
	}, nil, allowedDocs(1))
	assert.ErrorIs(t, err, boom)
}

// Whatever the model writes, the final answer cites only allowed evidence.
func TestValidator_FinalCitationsAreSubsetOfAllowed(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	words := []string{"revenue", "grew", "in", "Q3", "headcount", "fell", "."}
	randomAnswer := func() string {
		s := ""
		for i := 0; i < 12; i++ {
			if rng.Intn(3) == 0 {
				s += fmt.Sprintf(" [doc:%d]", rng.Intn(10))
			} else {
				s += " " + words[rng.Intn(len(words))]
			}
		}
		return s
	}

	v := NewValidator(1, nil)
	for i := 0; i < 200; i++ {
		allowed := allowedDocs(rng.Intn(6))
		repair := func(context.Context, string, []Citation) (string, error) {
			return randomAnswer(), nil
		}
		out, err := v.Run(context.Background(), static(randomAnswer()), repair, allowed)
		require.NoError(t, err)
		assert.Empty(t, Invalid(Extract(out.Answer), allowed), "answer %q", out.Answer)
	}
}
