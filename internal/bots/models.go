package bots

import (
	"time"

	"gorm.io/gorm"
)

// Bot is a user's trading configuration: one exchange account binding, one
// trading pair, one webhook endpoint. BotID is stable and internal; only
// PublicID is ever exposed to webhook callers.
type Bot struct {
	gorm.Model `json:"-"`
	BotID      string `gorm:"uniqueIndex" json:"id"`
	PublicID   string `gorm:"uniqueIndex" json:"public_id"`
	ClientID   string `gorm:"index" json:"client_id"`
	Name       string `json:"name"`
	Enabled    bool   `json:"enabled"`

	// TradingPair is the symbol signals must carry, e.g. BTCUSDT.
	TradingPair string `json:"trading_pair"`

	Exchange   ExchangeBinding `gorm:"embedded;embeddedPrefix:exchange_" json:"exchange"`
	Webhook    WebhookConfig   `gorm:"embedded;embeddedPrefix:webhook_" json:"webhook"`
	Settings   Settings        `gorm:"serializer:json" json:"settings"`
	Statistics Statistics      `gorm:"embedded;embeddedPrefix:stat_" json:"statistics"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExchangeBinding ties a bot to one exchange account.
type ExchangeBinding struct {
	Name      string `json:"name"`
	APIKey    string `json:"-"`
	SecretKey string `json:"-"`
	Testnet   bool   `json:"testnet"`
}

// WebhookConfig controls signal ingestion for a bot.
type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	Secret  string `json:"-"`

	// AllowedIPs is a comma-separated list of permitted source addresses;
	// empty allows any source.
	AllowedIPs string `json:"allowed_ips,omitempty"`

	// MaxOrdersPerMinute bounds signal ingestion per bot; 0 disables the
	// limit.
	MaxOrdersPerMinute int `json:"max_orders_per_minute"`
}

// Settings holds free-form per-bot preferences that the execution core does
// not interpret beyond storage.
type Settings struct {
	MinOrderSize  string `json:"min_order_size,omitempty"`
	MaxOrderSize  string `json:"max_order_size,omitempty"`
	NotifyOnTrade bool   `json:"notify_on_trade"`
	NotifyOnError bool   `json:"notify_on_error"`
}

// Statistics is the bot's trade ledger summary. Only the order queue
// processor writes these fields.
type Statistics struct {
	TotalTrades      int64      `json:"total_trades"`
	SuccessfulTrades int64      `json:"successful_trades"`
	FailedTrades     int64      `json:"failed_trades"`
	LastTradeAt      *time.Time `json:"last_trade_at,omitempty"`
	ProfitLoss       float64    `json:"profit_loss"`
	WinRate          float64    `json:"win_rate"`
}
