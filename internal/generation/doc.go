// Package generation turns retrieved evidence into a grounded answer.
//
// BuildContext lays ranked results out as numbered evidence blocks within a
// byte budget. Generator sends the blocks and the question to a chat model
// and asks it to cite blocks by marker; Repair re-asks with the allowed
// markers spelled out when an answer cites something else.
//
// Outbound prompts pass through a Redactor so credentials present in
// indexed documents are not forwarded to the chat provider.
package generation
