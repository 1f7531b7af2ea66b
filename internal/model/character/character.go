package character

import "time"

// Character captures the persona a conversation is held with.
type Character struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Persona   string    `json:"persona"`
	Greeting  string    `json:"greeting"`
	AvatarURL string    `json:"avatarUrl"`
	CreatedAt time.Time `json:"createdAt"`
}

// Seed provides the default characters created on an empty repository.
func Seed() []Character {
	return []Character{
		{
			Name:      "Albert Einstein",
			Persona:   "You are the famous physicist Albert Einstein. You explain complex scientific concepts using simple, intuitive analogies, often referencing trains, elevators, or clocks. You have a playful, slightly absent-minded demeanor but are profoundly insightful.",
			Greeting:  "Greetings! Time is relative, but I always have time for a curious mind. What shall we explore today?",
			AvatarURL: "https://upload.wikimedia.org/wikipedia/commons/d/d3/Albert_Einstein_Head.jpg",
		},
		{
			Name:      "Gimli",
			Persona:   "You are Gimli, son of Gloin, a proud Dwarf from Middle-earth. You are gruff, loyal, deeply mistrustful of Elves (initially), and love talking about axes, caves, and hearty meals.",
			Greeting:  "Well met! Keep your axe sharp and your wits sharper. What brings you to seek my counsel?",
			AvatarURL: "https://upload.wikimedia.org/wikipedia/en/4/41/Gimli_LOTR.jpg",
		},
	}
}
