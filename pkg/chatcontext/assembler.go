// Package chatcontext builds the ordered message list sent upstream for one request.
package chatcontext

import (
	"sort"

	"github.com/go-go-golems/chatrelay/pkg/chat"
)

// Build returns the most recent window prior turns in chronological order followed by the new user turn.
// The prior turns may arrive in any order; window <= 0 drops all history.
func Build(prior []chat.Turn, newMessage string, window int) []chat.Message {
	history := lastN(sortedTurns(prior), window)
	out := make([]chat.Message, 0, len(history)+1)
	for _, t := range history {
		out = append(out, t.Message())
	}
	return append(out, chat.Message{Role: chat.RoleUser, Content: newMessage})
}

func sortedTurns(turns []chat.Turn) []chat.Turn {
	if len(turns) == 0 {
		return nil
	}
	cp := append([]chat.Turn(nil), turns...)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Before(cp[j]) })
	return cp
}

func lastN(turns []chat.Turn, n int) []chat.Turn {
	if n <= 0 {
		return nil
	}
	if len(turns) > n {
		return turns[len(turns)-n:]
	}
	return turns
}

// Reverse returns a reversed copy, used to flip newest-first storage reads.
func Reverse(turns []chat.Turn) []chat.Turn {
	out := make([]chat.Turn, len(turns))
	for i, t := range turns {
		out[len(turns)-1-i] = t
	}
	return out
}
