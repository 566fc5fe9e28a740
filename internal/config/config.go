package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"invoicer/internal/afip"
	"invoicer/internal/fiscal"
	"invoicer/internal/invoice"
	"invoicer/internal/ledger"
	"invoicer/internal/logger"
	"invoicer/internal/reconciliation"
)

type Config struct {
	// Ledger database
	DBDriver   string `env:"DB_DRIVER" validate:"oneof=sqlite postgres"`
	DBDSN      string `env:"DB_DSN" validate:"required_if=DBDriver postgres"`
	DBLogLevel string `env:"DB_LOG_LEVEL" validate:"oneof=silent error warn info"`

	// Invoicing
	SalesPoint            int            `env:"SALES_POINT" validate:"min=1,max=99998"`
	SalesPointRoutes      map[string]int `env:"SALES_POINT_ROUTES" validate:"dive,keys,required,endkeys,min=1,max=99998"`
	InvoiceConcept        int            `env:"INVOICE_CONCEPT" validate:"oneof=1 2 3"`
	InvoiceIncludeVAT     bool           `env:"INVOICE_INCLUDE_VAT"`
	InvoiceVATRateID      int            `env:"INVOICE_VAT_RATE_ID" validate:"oneof=3 4 5 6 8 9"`
	InvoiceMaxLagDays     int            `env:"INVOICE_MAX_LAG_DAYS" validate:"min=0,max=365"`
	InvoiceTotalPrecision int            `env:"INVOICE_TOTAL_PRECISION" validate:"min=0,max=2"`
	FiscalUTCOffsetHours  int            `env:"FISCAL_UTC_OFFSET_HOURS" validate:"min=-12,max=14"`

	// Tax authority sidecar
	IssuerCUIT         string `env:"ISSUER_CUIT" validate:"omitempty,cuit"`
	AFIPSidecarURL     string `env:"AFIP_SIDECAR_URL" validate:"omitempty,url"`
	AFIPTimeoutSeconds int    `env:"AFIP_TIMEOUT_SECONDS" validate:"min=1,max=300"`

	// Order source and processing
	OrdersExportPath       string `env:"ORDERS_EXPORT_PATH"`
	MaxParallelSalesPoints int    `env:"MAX_PARALLEL_SALES_POINTS" validate:"min=0,max=64"`

	// Google Sheets export
	GoogleSheetURL       string `env:"GOOGLE_SHEET_URL" validate:"omitempty,url"`
	GoogleSheetWorksheet string `env:"GOOGLE_SHEET_WORKSHEET" validate:"required"`

	// Logging Configuration
	LogLevel      string `env:"LOG_LEVEL" validate:"oneof=trace debug info warn error fatal panic"`
	LogFormat     string `env:"LOG_FORMAT" validate:"oneof=json console"`
	LogTimeFormat string `env:"LOG_TIME_FORMAT"`
	LogOutput     string `env:"LOG_OUTPUT" validate:"required"`
}

func Load() (*Config, error) {
	p := &parser{}

	config := &Config{
		DBDriver:               getEnv("DB_DRIVER", ledger.DriverSQLite),
		DBDSN:                  getEnv("DB_DSN", ""),
		DBLogLevel:             getEnv("DB_LOG_LEVEL", "warn"),
		SalesPoint:             p.int("SALES_POINT", 1),
		SalesPointRoutes:       p.routes("SALES_POINT_ROUTES"),
		InvoiceConcept:         p.int("INVOICE_CONCEPT", int(fiscal.ConceptServices)),
		InvoiceIncludeVAT:      p.bool("INVOICE_INCLUDE_VAT", false),
		InvoiceVATRateID:       p.int("INVOICE_VAT_RATE_ID", fiscal.DefaultVATRateID),
		InvoiceMaxLagDays:      p.int("INVOICE_MAX_LAG_DAYS", 0),
		InvoiceTotalPrecision:  p.int("INVOICE_TOTAL_PRECISION", 0),
		FiscalUTCOffsetHours:   p.int("FISCAL_UTC_OFFSET_HOURS", -3),
		IssuerCUIT:             getEnv("ISSUER_CUIT", ""),
		AFIPSidecarURL:         getEnv("AFIP_SIDECAR_URL", ""),
		AFIPTimeoutSeconds:     p.int("AFIP_TIMEOUT_SECONDS", 30),
		OrdersExportPath:       getEnv("ORDERS_EXPORT_PATH", "orders.json"),
		MaxParallelSalesPoints: p.int("MAX_PARALLEL_SALES_POINTS", 4),
		GoogleSheetURL:         getEnv("GOOGLE_SHEET_URL", ""),
		GoogleSheetWorksheet:   getEnv("GOOGLE_SHEET_WORKSHEET", "Ledger"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogFormat:              getEnv("LOG_FORMAT", "console"),
		LogTimeFormat:          getEnv("LOG_TIME_FORMAT", time.RFC3339),
		LogOutput:              getEnv("LOG_OUTPUT", "stderr"),
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, fmt.Errorf("config parsing failed: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report fields by their environment variable
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := fld.Tag.Get("env"); name != "" {
			return name
		}
		return fld.Name
	})
	_ = v.RegisterValidation("cuit", func(fl validator.FieldLevel) bool {
		return fiscal.IsValidCUIT(fl.Field().String())
	})
	return v
}

func (c *Config) validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	msgs := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		msgs = append(msgs, fmt.Sprintf("%s %s", e.Field(), validationMessage(e)))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return "must be one of: " + e.Param()
	case "min":
		return "must be at least " + e.Param()
	case "max":
		return "must be at most " + e.Param()
	case "url":
		return "must be a valid URL"
	case "cuit":
		return "is not a valid CUIT"
	default:
		return "is invalid (" + e.Tag() + ")"
	}
}

// RequireAuthority checks the settings needed to submit invoices.
func (c *Config) RequireAuthority() error {
	var missing []string
	if c.IssuerCUIT == "" {
		missing = append(missing, "ISSUER_CUIT")
	}
	if c.AFIPSidecarURL == "" {
		missing = append(missing, "AFIP_SIDECAR_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s required to submit invoices", strings.Join(missing, " and "))
	}
	return nil
}

// RequireSheets checks the settings needed for the Google Sheets export.
func (c *Config) RequireSheets() error {
	if c.GoogleSheetURL == "" {
		return fmt.Errorf("GOOGLE_SHEET_URL is required for the export")
	}
	return nil
}

// Location returns the fiscal time zone as a fixed offset.
func (c *Config) Location() *time.Location {
	return time.FixedZone(fmt.Sprintf("UTC%+03d", c.FiscalUTCOffsetHours), c.FiscalUTCOffsetHours*3600)
}

// GetProcessorConfig returns the order processor settings.
func (c *Config) GetProcessorConfig() invoice.ProcessorConfig {
	return invoice.ProcessorConfig{
		SalesPoint:       c.SalesPoint,
		SalesPointRoutes: c.SalesPointRoutes,
		Concept:          fiscal.Concept(c.InvoiceConcept),
		IncludeVAT:       c.InvoiceIncludeVAT,
		VATRateID:        c.InvoiceVATRateID,
		MaxLagDays:       c.InvoiceMaxLagDays,
		TotalPrecision:   int32(c.InvoiceTotalPrecision),
		Location:         c.Location(),
	}
}

// GetDatabaseConfig returns the ledger database settings.
func (c *Config) GetDatabaseConfig() ledger.DatabaseConfig {
	return ledger.DatabaseConfig{
		Driver:   c.DBDriver,
		DSN:      c.DBDSN,
		LogLevel: c.DBLogLevel,
	}
}

// GetAFIPConfig returns the sidecar client settings.
func (c *Config) GetAFIPConfig() (afip.Config, error) {
	if err := c.RequireAuthority(); err != nil {
		return afip.Config{}, err
	}
	issuer, err := fiscal.ParseCUIT(c.IssuerCUIT)
	if err != nil {
		return afip.Config{}, err
	}
	return afip.Config{
		BaseURL:    c.AFIPSidecarURL,
		IssuerCUIT: issuer,
		Timeout:    time.Duration(c.AFIPTimeoutSeconds) * time.Second,
	}, nil
}

// GetReconciliationConfig returns the orchestrator settings.
func (c *Config) GetReconciliationConfig(dryRun bool) reconciliation.Config {
	return reconciliation.Config{
		MaxParallelSalesPoints: c.MaxParallelSalesPoints,
		DryRun:                 dryRun,
	}
}

// GetLoggerConfig returns a logger configuration from the main config
func (c *Config) GetLoggerConfig() logger.LogConfig {
	return logger.LogConfig{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		TimeFormat: c.LogTimeFormat,
		Output:     c.LogOutput,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser reads typed variables and collects every malformed value.
type parser struct {
	errs []error
}

func (p *parser) int(key string, defaultValue int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, raw))
		return defaultValue
	}
	return v
}

func (p *parser) bool(key string, defaultValue bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a boolean", key, raw))
		return defaultValue
	}
	return v
}

// routes parses "BTC=7,ETH=8" into asset -> sales point.
func (p *parser) routes(key string) map[string]int {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}

	routes := make(map[string]int)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		asset, sp, ok := strings.Cut(pair, "=")
		if !ok {
			p.errs = append(p.errs, fmt.Errorf("%s: %q is not ASSET=SALES_POINT", key, pair))
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(sp))
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: sales point %q for %s is not an integer", key, sp, asset))
			continue
		}
		routes[strings.ToUpper(strings.TrimSpace(asset))] = n
	}
	return routes
}
