package prompts

import "fmt"

// Observations returned by the web search tool when it cannot produce
// summaries. They are fed back to the model verbatim.
const (
	SearchMissingQuery = "tool call failed, missing required parameter, please retry"
	SearchServerError  = "websearch server error, please retry"
	SearchTimedOut     = "search page load timed out, please retry"
)

// SummarySystem is the system message for page summarization requests.
const SummarySystem = "You are a helpful assistant."

// summaryTemplate asks for a short, query-focused summary of one page.
// Format verbs: (1) question, (2) page text.
const summaryTemplate = `Summarize the parts of the information that help answer the question. Be concise and do not copy the original text verbatim. Return only the summary with no other remarks. If nothing is relevant, return "No relevant content".

<question>%s</question>
<information>%s</information>`

// SummaryPrompt returns the per-page summarization instruction.
func SummaryPrompt(question, page string) string {
	return fmt.Sprintf(summaryTemplate, question, page)
}

// observationTemplate wraps numbered page summaries and tells the model
// how to cite them. Format verbs: (1) question, (2) search keywords,
// (3) numbered contexts.
const observationTemplate = `You will be given a set of related contexts to the question, each starting with a reference number like [[citation:x]], where x is a number. Please use the context and cite the context at the end of each sentence if applicable.

Please cite the contexts with the reference numbers, in the format [citation:x]. If a sentence comes from multiple contexts, please list all applicable citations, like [citation:3][citation:5]. If the context does not provide relevant information to answer the question, inform the user that there is no relevant information in the search results and that the question cannot be answered.

Other than code and specific names and citations, answer in the language of the user's question.

Ensure that your response is concise and clearly formatted. Group related content together and use Markdown points or lists where appropriate.

Remember, summarize and don't blindly repeat the contexts verbatim. And here is the user question:
%s
Here is the keywords of the question:
%s

Here are the set of contexts:

%s`

// ObservationPrompt returns the observation fed back after a successful
// search.
func ObservationPrompt(question, keywords, contexts string) string {
	return fmt.Sprintf(observationTemplate, question, keywords, contexts)
}
