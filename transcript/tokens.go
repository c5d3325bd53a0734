package transcript

import "regexp"

var whitespace = regexp.MustCompile(`\s+`)

// Token is one word or whitespace run of an assistant line. Whitespace tokens
// are kept so a renderer can reproduce the original spacing between
// highlighted words.
type Token struct {
	Text   string `json:"text"`
	IsWord bool   `json:"isWord"`
}

// Tokenize splits text into alternating word and whitespace tokens. Empty
// pieces are dropped, so leading or trailing whitespace yields a single
// non-word token rather than an empty word.
func Tokenize(text string) []Token {
	tokens := make([]Token, 0)
	last := 0
	for _, loc := range whitespace.FindAllStringIndex(text, -1) {
		if loc[0] > last {
			tokens = append(tokens, Token{Text: text[last:loc[0]], IsWord: true})
		}
		tokens = append(tokens, Token{Text: text[loc[0]:loc[1]], IsWord: false})
		last = loc[1]
	}
	if last < len(text) {
		tokens = append(tokens, Token{Text: text[last:], IsWord: true})
	}
	return tokens
}

// WordCount counts the word tokens; highlight indexes address words only.
func WordCount(tokens []Token) int {
	n := 0
	for _, t := range tokens {
		if t.IsWord {
			n++
		}
	}
	return n
}
