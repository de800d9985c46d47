package models

// NotificationConfig holds failure notification targets.
type NotificationConfig struct {
	OnSuccess bool            // also notify when every step succeeded
	Email     *EmailConfig    // nil if not configured
	Telegram  *TelegramConfig // nil if not configured
}

// EmailConfig holds the email target. Without SMTPHost the local mail command is used.
type EmailConfig struct {
	To       string
	From     string
	SMTPHost string
	SMTPPort int
	Username string
	Password string
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// NotificationMessage is a composed notification ready for any transport.
type NotificationMessage struct {
	Subject string
	Body    string
	HTML    string // Telegram flavoured HTML rendition of Body
	Success bool
}
