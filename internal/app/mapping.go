package app

import (
	"time"

	"bookbot/internal/botapi"
	"bookbot/internal/config"
	"bookbot/internal/queue"
)

func mapQueueConfig(qc config.QueueConfig) (queue.Config, error) {
	base, err := config.ParseDurationField("queue.retry_base", qc.RetryBase)
	if err != nil {
		return queue.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("queue.retry_max_delay", qc.RetryMaxDelay)
	if err != nil {
		return queue.Config{}, err
	}
	busy, err := config.ParseDurationField("queue.busy_timeout", qc.BusyTimeout)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		Path:          qc.Path,
		MaxRetries:    qc.MaxRetries,
		RetryBase:     base,
		RetryFactor:   qc.RetryFactor,
		RetryMaxDelay: maxDelay,
		BusyTimeout:   busy,
	}, nil
}

func mapClientConfig(bc config.BotConfig) (botapi.Config, error) {
	reqTimeout, err := config.ParseDurationOrDefault("bot.request_timeout", bc.RequestTimeout, 15*time.Second)
	if err != nil {
		return botapi.Config{}, err
	}
	brkTimeout, err := config.ParseDurationOrDefault("bot.breaker_timeout", bc.BreakerTimeout, 30*time.Second)
	if err != nil {
		return botapi.Config{}, err
	}
	return botapi.Config{
		Token:             bc.Token,
		BaseURL:           bc.APIURL,
		RequestsPerMinute: bc.RequestsPerMinute,
		PoolSize:          bc.PoolSize,
		RequestTimeout:    reqTimeout,
		FailureThreshold:  bc.FailureThreshold,
		BreakerTimeout:    brkTimeout,
	}, nil
}
