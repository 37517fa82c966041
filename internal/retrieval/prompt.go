package retrieval

import "strings"

const contextInstructions = `Use the context below to answer the user's question. ` +
	`Do not quote or cite the source blocks verbatim; answer naturally in your own words. ` +
	`If the context does not contain the answer, say that you do not have enough information to answer.`

// BuildSystemPrompt appends the assembled context blocks to the base instructions.
// With no blocks the instructions are returned unchanged.
func BuildSystemPrompt(instructions string, blocks []string) string {
	if len(blocks) == 0 {
		return instructions
	}

	var b strings.Builder
	b.WriteString(instructions)
	if instructions != "" {
		b.WriteString("\n\n")
	}
	b.WriteString(contextInstructions)
	b.WriteString("\n\nContext:\n")
	b.WriteString(strings.Join(blocks, "\n\n"))
	return b.String()
}
