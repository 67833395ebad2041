package query

import (
	"fmt"
	"strings"
)

const contextSeparator = "New Context------------------------------\n"

func contextPrompt(text, question string) string {
	return fmt.Sprintf(`Below is text that has been on my screen. -------------
%s
------------------ Above is the text that has been on my screen recently. Please answer whatever I ask using the provided information about what has been on the screen recently. Do not say anything else or give any other information.
Only answer the query. -------------------------- %s
Answer:`, text, question)
}

func summaryPrompt(text, question string) string {
	return fmt.Sprintf(`Below are the results from a number of queries prompted with the question %s.
%s
------------------
Using these results as context. Answer the query: '%s'
Answer:`, question, text, question)
}

func decompositionPrompt(question string, numSubQuestions int) string {
	return fmt.Sprintf(`You are a helpful assistant that generates multiple sub-queries related to an input question.
The goal is to break down the input into a set of sub-problems / sub-questions that can be answered in isolation.
These queries will be passed into an embedding database to grab relevant context from text of a user's screen captures.
Generate multiple search queries related to: %s
Output (%d queries)
Answer:`, question, numSubQuestions)
}

type subAnswer struct {
	Question string
	Answer   string
}

func recompositionPrompt(question string, answers []subAnswer) string {
	var b strings.Builder
	b.WriteString("Below are a number of queries and responses from an assistant.\n")
	for _, a := range answers {
		fmt.Fprintf(&b, "Question: %s\nResponse: %s\n", a.Question, a.Answer)
	}
	fmt.Fprintf(&b, "Using this context answer the Question: %s\nAnswer:", question)
	return b.String()
}

type methodAnswer struct {
	Method string
	Answer string
}

func competePrompt(question string, answers []methodAnswer) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Below are the results from a number of retrieval pipelines asked to solve the query: %s.\n", question)
	for _, a := range answers {
		fmt.Fprintf(&b, "Method : %s\nResponse: %s\n\n", a.Method, a.Answer)
		b.WriteString(strings.Repeat("-", 20) + "\n")
	}
	fmt.Fprintf(&b, "Considering the query '%s', what is the best and most helpful detailed response among the above? Please specify both the method and the detailed response.\nMethod: \nAnswer: ", question)
	return b.String()
}
