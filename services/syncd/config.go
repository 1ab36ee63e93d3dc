package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"trustmesh/native/receipt"
)

// Config captures runtime configuration for the synchronizer daemon.
type Config struct {
	ListenAddress string

	CustodyNodeURL   string
	CustodyNodeToken string
	ReceiptNodeURL   string
	ReceiptNodeToken string

	DatabasePath string

	OracleKeystorePath string
	OraclePassphrase   string
	OracleKeyHex       string

	PollInterval  time.Duration
	BatchSize     int
	QueueCapacity int
	QueueTTL      time.Duration
	MaxAttempts   int

	// RefundStatus is the receipt status mirrored when an escrow is
	// refunded. Receipts have no refunded state of their own, so a
	// refund settles the receipt as disputed by default.
	RefundStatus receipt.Status

	// ScoreServiceURL points at the delivery verification service. An
	// empty value disables score attachment.
	ScoreServiceURL string
	ScoreThreshold  uint8

	// Requests per second against the receipt ledger.
	ReceiptRateLimit float64
}

// LoadConfigFromEnv builds a configuration using environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		ListenAddress:    getenvDefault("SYNCD_LISTEN", ":8090"),
		CustodyNodeURL:   os.Getenv("SYNCD_CUSTODY_NODE_URL"),
		CustodyNodeToken: os.Getenv("SYNCD_CUSTODY_NODE_TOKEN"),
		ReceiptNodeURL:   os.Getenv("SYNCD_RECEIPT_NODE_URL"),
		ReceiptNodeToken: os.Getenv("SYNCD_RECEIPT_NODE_TOKEN"),
		DatabasePath:     getenvDefault("SYNCD_DB_PATH", "syncd.db"),

		OracleKeystorePath: os.Getenv("SYNCD_ORACLE_KEYSTORE"),
		OraclePassphrase:   os.Getenv("SYNCD_ORACLE_PASSPHRASE"),
		OracleKeyHex:       os.Getenv("SYNCD_ORACLE_KEY"),

		PollInterval:  5 * time.Second,
		BatchSize:     100,
		QueueCapacity: defaultTaskCapacity,
		QueueTTL:      defaultQueueTTL,
		MaxAttempts:   8,

		RefundStatus:     receipt.StatusDisputed,
		ScoreServiceURL:  strings.TrimSpace(os.Getenv("SYNCD_SCORE_SERVICE_URL")),
		ScoreThreshold:   70,
		ReceiptRateLimit: 20,
	}

	if cfg.CustodyNodeURL == "" {
		return Config{}, errors.New("SYNCD_CUSTODY_NODE_URL is required")
	}
	if cfg.ReceiptNodeURL == "" {
		return Config{}, errors.New("SYNCD_RECEIPT_NODE_URL is required")
	}
	if cfg.OracleKeystorePath == "" && cfg.OracleKeyHex == "" {
		return Config{}, errors.New("SYNCD_ORACLE_KEYSTORE or SYNCD_ORACLE_KEY is required")
	}

	if raw := strings.TrimSpace(os.Getenv("SYNCD_POLL_INTERVAL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse SYNCD_POLL_INTERVAL: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("SYNCD_POLL_INTERVAL must be positive")
		}
		cfg.PollInterval = dur
	}

	if raw := strings.TrimSpace(os.Getenv("SYNCD_BATCH_SIZE")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse SYNCD_BATCH_SIZE: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("SYNCD_BATCH_SIZE must be positive")
		}
		cfg.BatchSize = val
	}

	if raw := strings.TrimSpace(os.Getenv("SYNCD_QUEUE_CAP")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse SYNCD_QUEUE_CAP: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("SYNCD_QUEUE_CAP must be positive")
		}
		cfg.QueueCapacity = val
	}

	if raw := strings.TrimSpace(os.Getenv("SYNCD_QUEUE_TTL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse SYNCD_QUEUE_TTL: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("SYNCD_QUEUE_TTL must be positive")
		}
		cfg.QueueTTL = dur
	}

	if raw := strings.TrimSpace(os.Getenv("SYNCD_MAX_ATTEMPTS")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse SYNCD_MAX_ATTEMPTS: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("SYNCD_MAX_ATTEMPTS must be positive")
		}
		cfg.MaxAttempts = val
	}

	if raw := strings.TrimSpace(os.Getenv("SYNCD_REFUND_STATUS")); raw != "" {
		status, err := receipt.ParseStatus(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse SYNCD_REFUND_STATUS: %w", err)
		}
		if !status.Terminal() {
			return Config{}, errors.New("SYNCD_REFUND_STATUS must be a terminal status")
		}
		cfg.RefundStatus = status
	}

	if raw := strings.TrimSpace(os.Getenv("SYNCD_SCORE_THRESHOLD")); raw != "" {
		val, err := strconv.ParseUint(raw, 10, 8)
		if err != nil {
			return Config{}, fmt.Errorf("parse SYNCD_SCORE_THRESHOLD: %w", err)
		}
		if val > 100 {
			return Config{}, errors.New("SYNCD_SCORE_THRESHOLD must be <= 100")
		}
		cfg.ScoreThreshold = uint8(val)
	}

	if raw := strings.TrimSpace(os.Getenv("SYNCD_RECEIPT_RATE_LIMIT")); raw != "" {
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse SYNCD_RECEIPT_RATE_LIMIT: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("SYNCD_RECEIPT_RATE_LIMIT must be positive")
		}
		cfg.ReceiptRateLimit = val
	}

	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
