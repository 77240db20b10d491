package bots

import (
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateBot(bot *Bot) error {
	return d.db.Create(bot).Error
}

func (d *Database) GetBot(botID string) (*Bot, error) {
	var bot Bot
	if err := d.db.Where("bot_id = ?", botID).First(&bot).Error; err != nil {
		return nil, err
	}
	return &bot, nil
}

func (d *Database) GetBotByPublicID(publicID string) (*Bot, error) {
	var bot Bot
	if err := d.db.Where("public_id = ?", publicID).First(&bot).Error; err != nil {
		return nil, err
	}
	return &bot, nil
}

func (d *Database) GetClientBots(clientID string) ([]Bot, error) {
	var list []Bot
	if err := d.db.Where("client_id = ?", clientID).Order("created_at ASC").Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (d *Database) UpdateBot(bot *Bot) error {
	bot.UpdatedAt = time.Now()
	return d.db.Save(bot).Error
}

// RecordTrade folds one execution outcome into the bot's statistics. The
// processor is the only caller; bot configuration is untouched, so cached
// configuration entries stay valid.
func (d *Database) RecordTrade(botID string, success bool, executedAt time.Time) error {
	bot, err := d.GetBot(botID)
	if err != nil {
		return err
	}

	bot.Statistics.TotalTrades++
	if success {
		bot.Statistics.SuccessfulTrades++
	} else {
		bot.Statistics.FailedTrades++
	}
	bot.Statistics.LastTradeAt = &executedAt
	if bot.Statistics.TotalTrades > 0 {
		bot.Statistics.WinRate = float64(bot.Statistics.SuccessfulTrades) / float64(bot.Statistics.TotalTrades) * 100
	}

	return d.db.Model(&Bot{}).
		Where("bot_id = ?", botID).
		Updates(map[string]interface{}{
			"stat_total_trades":      bot.Statistics.TotalTrades,
			"stat_successful_trades": bot.Statistics.SuccessfulTrades,
			"stat_failed_trades":     bot.Statistics.FailedTrades,
			"stat_last_trade_at":     bot.Statistics.LastTradeAt,
			"stat_win_rate":          bot.Statistics.WinRate,
			"updated_at":             time.Now(),
		}).Error
}
