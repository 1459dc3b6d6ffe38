package model

// Channel — текстовый канал. Идентичность — Name в пределах серверного scope:
// переименование меняет только DisplayName, Name остаётся стабильным ключом,
// на который ссылаются сообщения (Message.ChannelID).
type Channel struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Category    string `json:"category,omitempty"` // группировка для отображения, не входит в идентичность
	ServerID    string `json:"server_id,omitempty"`
}
