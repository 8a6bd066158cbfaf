package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"conversation-service/internal/config"
)

func newConfigCmd(r *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(newConfigCheckCmd(r))
	return cmd
}

type configView struct {
	Environment         string `yaml:"environment"`
	LogLevel            string `yaml:"logLevel"`
	StoreBackend        string `yaml:"storeBackend"`
	SummariesTable      string `yaml:"summariesTable,omitempty"`
	MessagesTable       string `yaml:"messagesTable,omitempty"`
	SQLitePath          string `yaml:"sqlitePath,omitempty"`
	RevocationBackend   string `yaml:"revocationBackend"`
	RevocationTable     string `yaml:"revocationTable,omitempty"`
	RedisAddr           string `yaml:"redisAddr,omitempty"`
	AuditTable          string `yaml:"auditTable,omitempty"`
	AuditRequiredForGet bool   `yaml:"auditRequiredForGet"`
	AuditRetention      string `yaml:"auditRetention,omitempty"`
	SigningKeyParam     string `yaml:"signingKeyParam,omitempty"`
	DevSigningKey       bool   `yaml:"devSigningKey"`
	RateLimit           string `yaml:"rateLimit"`
	MaxPayloadBytes     int    `yaml:"maxPayloadBytes"`
	MaxMessagesPerSave  int    `yaml:"maxMessagesPerSave"`
	MaxHistoryMessages  int    `yaml:"maxHistoryMessages"`
	TokenTTL            string `yaml:"tokenTTL"`
	SummaryTTL          string `yaml:"summaryTTL"`
	MessageTTL          string `yaml:"messageTTL"`
	DependencyTimeout   string `yaml:"dependencyTimeout"`
}

func viewOf(c config.Config) configView {
	return configView{
		Environment:         c.Environment,
		LogLevel:            c.LogLevel.String(),
		StoreBackend:        c.StoreBackend,
		SummariesTable:      c.SummariesTable,
		MessagesTable:       c.MessagesTable,
		SQLitePath:          c.SQLitePath,
		RevocationBackend:   c.RevocationBackend,
		RevocationTable:     c.RevocationTable,
		RedisAddr:           c.RedisAddr,
		AuditTable:          c.AuditTable,
		AuditRequiredForGet: c.AuditRequiredForGet,
		AuditRetention:      retention(c.AuditRetention),
		SigningKeyParam:     c.SigningKeyParam,
		DevSigningKey:       c.DevSigningKey != "",
		RateLimit:           fmt.Sprintf("%d/%s", c.RateLimitRequests, c.RateLimitWindow),
		MaxPayloadBytes:     c.MaxPayloadBytes,
		MaxMessagesPerSave:  c.MaxMessagesPerSave,
		MaxHistoryMessages:  c.MaxHistoryMessages,
		TokenTTL:            c.TokenTTL.String(),
		SummaryTTL:          c.SummaryTTL.String(),
		MessageTTL:          c.MessageTTL.String(),
		DependencyTimeout:   c.DependencyTimeout.String(),
	}
}

func retention(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

func newConfigCheckCmd(r *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the environment and print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := r.config()
			var cerr *config.Error
			if errors.As(err, &cerr) {
				for _, issue := range cerr.Issues {
					fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", issue)
				}
				return fmt.Errorf("configuration has %d issue(s)", len(cerr.Issues))
			}
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), viewOf(cfg))
		},
	}
}
