package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/velmik/coldsend/internal/app"
	"github.com/velmik/coldsend/internal/dispatch"
	"github.com/velmik/coldsend/internal/smtp"
	"github.com/velmik/coldsend/internal/template"
)

var (
	templateFile   string
	recipientsFile string
	rateOverride   int
	dryRun         bool
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a campaign from the command line",
	Long: `Send a one-shot campaign without the API server: reads a YAML template
and a JSON recipient list, personalizes each message and delivers them
through the configured relay at the configured pace.`,
	RunE: runSend,
}

// fileRecipient is one entry in the recipients JSON file.
type fileRecipient struct {
	Email     string            `json:"email"`
	ContactID string            `json:"contact_id,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

func init() {
	sendCmd.Flags().StringVarP(&templateFile, "template", "t", "", "template YAML file (required)")
	sendCmd.Flags().StringVarP(&recipientsFile, "recipients", "r", "", "recipients JSON file (required)")
	sendCmd.Flags().IntVar(&rateOverride, "rate", 0, "override send rate (messages per hour)")
	sendCmd.Flags().BoolVar(&dryRun, "dry-run", false, "render messages without sending")
	sendCmd.MarkFlagRequired("template")
	sendCmd.MarkFlagRequired("recipients")
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if rateOverride > 0 {
		cfg.Send.RatePerHour = rateOverride
	}

	tpl, err := loadTemplate(templateFile)
	if err != nil {
		return err
	}
	recipients, err := loadRecipients(recipientsFile)
	if err != nil {
		return err
	}

	campaignID := uuid.New().String()
	msgs := make([]*dispatch.Message, 0, len(recipients))
	for _, rcpt := range recipients {
		rendered := tpl.Render(rcpt.Data)
		if rendered.HTML != "" {
			rendered.HTML = template.AddComplianceFooter(rendered.HTML, cfg.API.BaseURL, campaignID, rcpt.Email)
		}
		msgs = append(msgs, &dispatch.Message{
			ID:        uuid.New().String(),
			ContactID: rcpt.ContactID,
			To:        rcpt.Email,
			Subject:   rendered.Subject,
			HTML:      rendered.HTML,
			Text:      rendered.Text,
		})
	}

	if dryRun {
		for _, msg := range msgs {
			fmt.Printf("--- %s ---\n", msg.To)
			fmt.Printf("Subject: %s\n", msg.Subject)
			if msg.Text != "" {
				fmt.Printf("\n%s\n", msg.Text)
			}
			if msg.HTML != "" {
				fmt.Printf("\n%s\n", msg.HTML)
			}
		}
		fmt.Printf("\n%d messages rendered (dry run, nothing sent)\n", len(msgs))
		return nil
	}

	logger := app.SetupLogger(cfg.Logging)
	ctx := context.Background()

	pool, err := smtp.Connect(ctx, cfg.SMTP, logger)
	if err != nil {
		return fmt.Errorf("relay connection failed: %w", err)
	}
	defer pool.Close()

	engine := dispatch.NewEngine(pool, dispatch.Config{
		RatePerHour: cfg.Send.RatePerHour,
		MaxAttempts: cfg.Send.MaxAttempts,
		BackoffBase: cfg.Send.BackoffBase,
	}, logger)

	fmt.Printf("Sending %d messages at %d/hour via %s\n", len(msgs), cfg.Send.RatePerHour, cfg.SMTP.Addr())

	summary := engine.Run(ctx, msgs, func(done, total int) {
		fmt.Printf("\rProgress: %d/%d", done, total)
	})
	fmt.Println()

	for _, outcome := range summary.Results {
		if !outcome.Success {
			fmt.Fprintf(os.Stderr, "FAILED %s after %d attempts: %s\n", outcome.Email, outcome.Attempts, outcome.Error)
		}
	}
	fmt.Printf("Done: %d sent, %d failed\n", summary.Sent, summary.Failed)

	if summary.Sent == 0 && summary.Failed > 0 {
		return fmt.Errorf("all %d messages failed", summary.Failed)
	}
	return nil
}

func loadTemplate(path string) (*template.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template file: %w", err)
	}

	var tpl template.Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("failed to parse template file: %w", err)
	}
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	return &tpl, nil
}

func loadRecipients(path string) ([]fileRecipient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipients file: %w", err)
	}

	var recipients []fileRecipient
	if err := json.Unmarshal(data, &recipients); err != nil {
		return nil, fmt.Errorf("failed to parse recipients file: %w", err)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("recipients file is empty")
	}
	for _, rcpt := range recipients {
		if _, err := mail.ParseAddress(rcpt.Email); err != nil {
			return nil, fmt.Errorf("invalid recipient address %q", rcpt.Email)
		}
	}
	return recipients, nil
}
