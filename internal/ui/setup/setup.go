// Package setup is the interactive form behind "llmail configure".
package setup

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/nhle/llmail/internal/model"
)

// Keyring entries written by the form.
const (
	IMAPPasswordKey = "imap-password"
	SMTPPasswordKey = "smtp-password"
	APIKeyKey       = "openai-api-key"
)

// ErrAborted is returned when the user leaves the form.
var ErrAborted = errors.New("configuration aborted")

// Secrets is the keyring the form writes to.
type Secrets interface {
	Set(key, value string) error
	Delete(key string) error
}

// Answers holds the form fields. Huh binds to these.
type Answers struct {
	IMAPHost string
	IMAPPort string
	IMAPTLS  string
	Username string
	Password string

	SMTPHost string
	SMTPPort string
	SMTPTLS  string

	// SeparateSMTP is false when sending reuses the mailbox login.
	SeparateSMTP bool
	SMTPUsername string
	SMTPPassword string

	APIKey  string
	BaseURL string
	Model   string

	SubjectKey    string
	Folder        string
	Alias         string
	SystemPrompt  string
	WatchInterval string
}

// FromConfig pre-fills the answers from cfg. Secret fields start empty;
// leaving them empty keeps the stored value.
func FromConfig(cfg *model.Config) *Answers {
	return &Answers{
		IMAPHost:      cfg.IMAP.Host,
		IMAPPort:      portString(cfg.IMAP.Port),
		IMAPTLS:       orDefault(cfg.IMAP.TLS, model.TLSImplicit),
		Username:      cfg.IMAP.Username,
		SMTPHost:      cfg.SMTP.Host,
		SMTPPort:      portString(cfg.SMTP.Port),
		SMTPTLS:       orDefault(cfg.SMTP.TLS, model.TLSImplicit),
		SeparateSMTP:  cfg.SMTP.Username != "" || cfg.SMTP.Password != "",
		SMTPUsername:  cfg.SMTP.Username,
		BaseURL:       cfg.OpenAI.BaseURL,
		Model:         cfg.OpenAI.Model,
		SubjectKey:    cfg.SubjectKey,
		Folder:        cfg.Folder,
		Alias:         cfg.Alias,
		SystemPrompt:  cfg.SystemPrompt,
		WatchInterval: strconv.Itoa(cfg.WatchInterval),
	}
}

func tlsOptions() []huh.Option[string] {
	return []huh.Option[string]{
		huh.NewOption("Implicit TLS", model.TLSImplicit),
		huh.NewOption("STARTTLS", model.TLSStartTLS),
		huh.NewOption("No encryption", model.TLSNone),
	}
}

// Form builds the huh form bound to a.
func (a *Answers) Form() *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("IMAP Host").
				Description("IMAP server hostname").
				Placeholder("imap.example.com").
				Value(&a.IMAPHost).
				Validate(validateRequired("IMAP Host")),
			huh.NewInput().
				Title("IMAP Port").
				Description("IMAP server port (e.g., 993)").
				Placeholder("993").
				Value(&a.IMAPPort).
				Validate(validatePort),
			huh.NewSelect[string]().
				Title("IMAP Security").
				Options(tlsOptions()...).
				Value(&a.IMAPTLS),
			huh.NewInput().
				Title("Username").
				Description("Mailbox username; replies are sent from this address").
				Placeholder("bot@example.com").
				Value(&a.Username).
				Validate(validateRequired("Username")),
			huh.NewInput().
				Title("Password").
				Description("Mailbox password or app password. Leave empty to keep the stored one").
				EchoMode(huh.EchoModePassword).
				Value(&a.Password),
		).Title("Mailbox"),
		huh.NewGroup(
			huh.NewInput().
				Title("SMTP Host").
				Description("SMTP server hostname").
				Placeholder("smtp.example.com").
				Value(&a.SMTPHost).
				Validate(validateRequired("SMTP Host")),
			huh.NewInput().
				Title("SMTP Port").
				Description("SMTP server port (e.g., 465)").
				Placeholder("465").
				Value(&a.SMTPPort).
				Validate(validatePort),
			huh.NewSelect[string]().
				Title("SMTP Security").
				Options(tlsOptions()...).
				Value(&a.SMTPTLS),
			huh.NewConfirm().
				Title("Separate SMTP Login").
				Description("Send with a different account than the mailbox").
				Affirmative("Yes").
				Negative("No").
				Value(&a.SeparateSMTP),
		).Title("Sending"),
		huh.NewGroup(
			huh.NewInput().
				Title("SMTP Username").
				Value(&a.SMTPUsername).
				Validate(validateRequired("SMTP Username")),
			huh.NewInput().
				Title("SMTP Password").
				Description("Leave empty to keep the stored one").
				EchoMode(huh.EchoModePassword).
				Value(&a.SMTPPassword),
		).Title("SMTP Login").
			WithHideFunc(func() bool { return !a.SeparateSMTP }),
		huh.NewGroup(
			huh.NewInput().
				Title("API Key").
				Description("Key for the OpenAI-compatible API. Leave empty to keep the stored one").
				EchoMode(huh.EchoModePassword).
				Value(&a.APIKey),
			huh.NewInput().
				Title("Base URL").
				Placeholder("https://api.openai.com/v1").
				Value(&a.BaseURL),
			huh.NewInput().
				Title("Model").
				Value(&a.Model),
			huh.NewText().
				Title("System Prompt").
				Description("Sent before every conversation").
				Value(&a.SystemPrompt),
		).Title("Model"),
		huh.NewGroup(
			huh.NewInput().
				Title("Subject Key").
				Description("Only messages with this subject are answered").
				Value(&a.SubjectKey).
				Validate(validateRequired("Subject Key")),
			huh.NewInput().
				Title("Folders").
				Description("Comma-separated folders to scan; empty scans all").
				Placeholder("INBOX").
				Value(&a.Folder),
			huh.NewInput().
				Title("Alias").
				Description("Display name on outgoing replies").
				Value(&a.Alias),
			huh.NewInput().
				Title("Watch Interval").
				Description("Seconds between cycles; 0 runs once").
				Placeholder("0").
				Value(&a.WatchInterval).
				Validate(validateInterval),
		).Title("Behaviour"),
	)
}

type secretField struct {
	value string
	key   string
	field *string
}

// Apply copies the answers into cfg. Non-empty secrets are written to the
// keyring and replaced by keyring references. Turning off the separate SMTP
// login removes its stored password.
func (a *Answers) Apply(cfg *model.Config, secrets Secrets) error {
	imapPort, err := parsePort(a.IMAPPort, 993)
	if err != nil {
		return fmt.Errorf("IMAP port: %w", err)
	}
	smtpPort, err := parsePort(a.SMTPPort, 465)
	if err != nil {
		return fmt.Errorf("SMTP port: %w", err)
	}
	interval := 0
	if s := strings.TrimSpace(a.WatchInterval); s != "" {
		if interval, err = strconv.Atoi(s); err != nil {
			return fmt.Errorf("watch interval: %w", err)
		}
	}

	cfg.IMAP.Host = strings.TrimSpace(a.IMAPHost)
	cfg.IMAP.Port = imapPort
	cfg.IMAP.TLS = a.IMAPTLS
	cfg.IMAP.Username = strings.TrimSpace(a.Username)
	cfg.SMTP.Host = strings.TrimSpace(a.SMTPHost)
	cfg.SMTP.Port = smtpPort
	cfg.SMTP.TLS = a.SMTPTLS
	cfg.OpenAI.BaseURL = strings.TrimSpace(a.BaseURL)
	cfg.OpenAI.Model = strings.TrimSpace(a.Model)
	cfg.SubjectKey = strings.TrimSpace(a.SubjectKey)
	cfg.Folder = strings.TrimSpace(a.Folder)
	cfg.Alias = strings.TrimSpace(a.Alias)
	cfg.SystemPrompt = strings.TrimSpace(a.SystemPrompt)
	cfg.WatchInterval = interval

	if a.SeparateSMTP {
		cfg.SMTP.Username = strings.TrimSpace(a.SMTPUsername)
	} else {
		if cfg.SMTP.Password == model.KeyringPrefix+SMTPPasswordKey {
			if err := secrets.Delete(SMTPPasswordKey); err != nil {
				return fmt.Errorf("removing %s: %w", SMTPPasswordKey, err)
			}
		}
		cfg.SMTP.Username = ""
		cfg.SMTP.Password = ""
	}

	fields := []secretField{
		{a.Password, IMAPPasswordKey, &cfg.IMAP.Password},
		{a.APIKey, APIKeyKey, &cfg.OpenAI.APIKey},
	}
	if a.SeparateSMTP {
		fields = append(fields, secretField{a.SMTPPassword, SMTPPasswordKey, &cfg.SMTP.Password})
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := secrets.Set(f.key, f.value); err != nil {
			return fmt.Errorf("storing %s: %w", f.key, err)
		}
		*f.field = model.KeyringPrefix + f.key
	}
	return nil
}

// Run shows the form for the config file at path, stores secrets and
// writes the file back. Only the file's own values are edited.
func Run(path string, secrets Secrets) error {
	cfg, err := model.ReadConfigFile(path)
	if err != nil {
		return err
	}

	a := FromConfig(cfg)
	if err := a.Form().Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return ErrAborted
		}
		return fmt.Errorf("running form: %w", err)
	}
	if err := a.Apply(cfg, secrets); err != nil {
		return err
	}
	return model.SaveConfig(path, cfg)
}

// --- Validators ---

func validateRequired(fieldName string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}
}

func validatePort(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("port is required")
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("port must be a number")
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

func validateInterval(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return fmt.Errorf("interval must be a non-negative number of seconds")
	}
	return nil
}

func parsePort(s string, def int) (int, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	if err := validatePort(s); err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(s))
}

func portString(p int) string {
	if p == 0 {
		return ""
	}
	return strconv.Itoa(p)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
