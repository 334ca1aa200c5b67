package models

// ReactionTally is the complete state of one emoji on one message.
type ReactionTally struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
	Users []int  `json:"users"`
}

// ReactionRow is a raw (message, user, emoji) row.
type ReactionRow struct {
	MessageID int    `db:"message_id"`
	UserID    int    `db:"user_id"`
	Emoji     string `db:"emoji"`
}

// TallyReactions groups rows of a single message by emoji, keeping first-seen order.
func TallyReactions(rows []ReactionRow) []ReactionTally {
	tallies := make([]ReactionTally, 0)
	index := map[string]int{}
	for _, row := range rows {
		i, ok := index[row.Emoji]
		if !ok {
			i = len(tallies)
			index[row.Emoji] = i
			tallies = append(tallies, ReactionTally{Emoji: row.Emoji, Users: []int{}})
		}
		tallies[i].Count++
		tallies[i].Users = append(tallies[i].Users, row.UserID)
	}
	return tallies
}
