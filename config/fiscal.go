package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FiscalConfig holds everything the fiscal pipeline needs to talk to the
// tax authority and to protect device key material at rest.
//
// The vault key is validated here, once, at startup: a missing or wrongly
// sized key is a deployment mistake, not something to discover on the
// first signing attempt.
type FiscalConfig struct {
	// 32-byte AES-256-GCM key, hex-encoded in FISCAL_VAULT_KEY.
	VaultKey []byte

	AuthorityBaseURL string
	EnrolmentPath    string
	TransactionPath  string

	// Mandated header set (see authority integration contract).
	Environment       string // "production" or "test"
	ApplicationRole   string
	SoftwareId        string
	SoftwareVersion   string
	CertificationCode string
	PartnerId         string
	ProtocolVersion   string
	TestCaseCode      string
	AuthorizationCode string

	SubmitTimeout time.Duration

	// Retry engine tunables.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

var (
	fiscalCfg   *FiscalConfig
	fiscalCfgMu sync.Mutex
)

func GetFiscalConfig() *FiscalConfig {
	fiscalCfgMu.Lock()
	defer fiscalCfgMu.Unlock()
	return fiscalCfg
}

// MustLoadFiscalConfig loads and validates the fiscal configuration.
// It panics on invalid configuration: the process must not come up
// half-configured and then fail mid-submission.
func MustLoadFiscalConfig() *FiscalConfig {
	cfg, err := LoadFiscalConfig()
	if err != nil {
		panic(fmt.Sprintf("fiscal configuration invalid: %v", err))
	}
	fiscalCfgMu.Lock()
	fiscalCfg = cfg
	fiscalCfgMu.Unlock()
	return cfg
}

func LoadFiscalConfig() (*FiscalConfig, error) {
	keyHex := strings.TrimSpace(os.Getenv("FISCAL_VAULT_KEY"))
	if keyHex == "" {
		return nil, errors.New("FISCAL_VAULT_KEY is required")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("FISCAL_VAULT_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("FISCAL_VAULT_KEY must decode to exactly 32 bytes, got %d", len(key))
	}

	baseURL := strings.TrimSpace(os.Getenv("FISCAL_AUTHORITY_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("FISCAL_AUTHORITY_BASE_URL is required")
	}

	environment := strings.TrimSpace(os.Getenv("FISCAL_ENVIRONMENT"))
	if environment == "" {
		environment = "test"
	}

	cfg := &FiscalConfig{
		VaultKey:         key,
		AuthorityBaseURL: strings.TrimRight(baseURL, "/"),
		EnrolmentPath:    envOrDefault("FISCAL_ENROLMENT_PATH", "/v1/devices"),
		TransactionPath:  envOrDefault("FISCAL_TRANSACTION_PATH", "/v1/transactions"),

		Environment:       environment,
		ApplicationRole:   envOrDefault("FISCAL_APPLICATION_ROLE", "pos"),
		SoftwareId:        strings.TrimSpace(os.Getenv("FISCAL_SOFTWARE_ID")),
		SoftwareVersion:   strings.TrimSpace(os.Getenv("FISCAL_SOFTWARE_VERSION")),
		CertificationCode: strings.TrimSpace(os.Getenv("FISCAL_CERTIFICATION_CODE")),
		PartnerId:         strings.TrimSpace(os.Getenv("FISCAL_PARTNER_ID")),
		ProtocolVersion:   envOrDefault("FISCAL_PROTOCOL_VERSION", "1.0"),
		TestCaseCode:      strings.TrimSpace(os.Getenv("FISCAL_TEST_CASE_CODE")),
		AuthorizationCode: strings.TrimSpace(os.Getenv("FISCAL_AUTHORIZATION_CODE")),

		SubmitTimeout: 30 * time.Second,

		MaxAttempts: 5,
		BaseBackoff: 5 * time.Second,
		MaxBackoff:  10 * time.Minute,
	}

	if cfg.SoftwareId == "" || cfg.SoftwareVersion == "" {
		return nil, errors.New("FISCAL_SOFTWARE_ID and FISCAL_SOFTWARE_VERSION are required")
	}
	if cfg.CertificationCode == "" || cfg.PartnerId == "" {
		return nil, errors.New("FISCAL_CERTIFICATION_CODE and FISCAL_PARTNER_ID are required")
	}

	if v := os.Getenv("FISCAL_QUEUE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxAttempts = n
		}
	}
	if v := os.Getenv("FISCAL_QUEUE_BASE_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BaseBackoff = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("FISCAL_QUEUE_MAX_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxBackoff = time.Duration(n) * time.Second
		}
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}
