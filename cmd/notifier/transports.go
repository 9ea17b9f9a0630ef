package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/gatecall/internal/channel"
	"github.com/lalithlochan/gatecall/internal/circuitbreaker"
	"github.com/lalithlochan/gatecall/internal/config"
	"github.com/lalithlochan/gatecall/internal/db"
)

// buildTransports assembles the channel router. External providers sit behind
// a circuit breaker each; SMS is additionally throttled when a limiter exists.
// limiter may be nil.
func buildTransports(ctx context.Context, cfg *config.Config, inbox channel.InboxStore, limiter channel.Limiter, breakers *circuitbreaker.Registry, logger *zap.Logger) (*channel.Router, error) {
	inApp := channel.NewInAppTransport(inbox, logger)

	if cfg.DevTransports {
		logger.Warn("dev transports enabled, mail, sms and push are logged only")
		return channel.NewRouter(logger,
			channel.NewLogTransport(logger, db.ChannelMail, db.ChannelSMS, db.ChannelPush),
			inApp,
		), nil
	}

	mail, err := channel.NewSESTransport(ctx, channel.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
		Endpoint:  cfg.AWSEndpoint,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create SES transport: %w", err)
	}

	transports := []channel.Transport{breakers.Protect("ses", mail)}

	sms, err := channel.NewSNSTransport(ctx, channel.SNSConfig{
		Region:   cfg.SNSRegion,
		SenderID: cfg.SMSSenderID,
		Endpoint: cfg.AWSEndpoint,
	}, logger)
	if err != nil {
		logger.Warn("SNS transport unavailable, SMS notifications disabled", zap.Error(err))
	} else {
		var t channel.Transport = breakers.Protect("sns", sms)
		if limiter != nil {
			t = channel.NewThrottledTransport(t, limiter, "sms", logger)
		}
		transports = append(transports, t)
	}

	if cfg.PushGatewayURL != "" {
		push := channel.NewPushTransport(channel.PushConfig{
			GatewayURL: cfg.PushGatewayURL,
			Timeout:    cfg.PushGatewayTimeout,
		}, logger)
		transports = append(transports, breakers.Protect("push", push))
	} else {
		logger.Warn("push gateway not configured, push notifications disabled")
	}

	transports = append(transports, inApp)

	logger.Info("initialized multi-channel notification system",
		zap.Bool("mail_enabled", true),
		zap.Bool("sms_enabled", sms != nil),
		zap.Bool("sms_throttled", sms != nil && limiter != nil),
		zap.Bool("push_enabled", cfg.PushGatewayURL != ""),
	)

	return channel.NewRouter(logger, transports...), nil
}
