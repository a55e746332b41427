package generation

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/sessionrag/internal/citation"
)

const systemPrompt = `You answer questions using only the evidence blocks provided.
Each block starts with a marker such as [doc:0]. Cite the blocks that support
each statement by writing their markers inline, exactly as shown.
Only cite markers that appear in the evidence. Never invent markers.
If the evidence does not contain the answer, say so plainly.`

func markerList(cs []citation.Citation) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}

func answerPrompt(query string, c Context) string {
	return fmt.Sprintf("Evidence:\n\n%sAllowed markers: %s\n\nQuestion: %s",
		c.Text, markerList(c.Allowed()), query)
}

func repairPrompt(query string, c Context, answer string, invalid []citation.Citation) string {
	return fmt.Sprintf(`Evidence:

%sQuestion: %s

Your previous answer was:
---
%s
---
It cites markers that do not exist in the evidence: %s. The only allowed markers are: %s.
Rewrite the answer so that every citation is one of the allowed markers. Remove
any statement you cannot support with them. Reply with the corrected answer only.`,
		c.Text, query, answer, markerList(invalid), markerList(c.Allowed()))
}
