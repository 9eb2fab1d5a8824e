package catalog

import "fmt"

// DestinationType tags the destination variant.
type DestinationType string

const (
	DestinationWebhook      DestinationType = "webhook"
	DestinationCustomAPI    DestinationType = "customApi"
	DestinationGoogleSheets DestinationType = "googleSheets"
	DestinationExcel        DestinationType = "excel"
	DestinationCSV          DestinationType = "csv"
)

// WriteMode selects how file- and sheet-backed sinks treat existing content.
type WriteMode string

const (
	WriteModeAppend    WriteMode = "append"
	WriteModeOverwrite WriteMode = "overwrite"
)

// Destination is a tagged variant: exactly one config pointer matches Type.
type Destination struct {
	Type      DestinationType  `json:"type"`
	Webhook   *WebhookConfig   `json:"webhook,omitempty"`
	CustomAPI *CustomAPIConfig `json:"customApi,omitempty"`
	Sheets    *SheetsConfig    `json:"googleSheets,omitempty"`
	Excel     *ExcelConfig     `json:"excel,omitempty"`
	CSV       *CSVConfig       `json:"csv,omitempty"`
}

// WebhookConfig drives the plain HTTP webhook sink.
type WebhookConfig struct {
	URL       string            `json:"url"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	BatchSize int               `json:"batchSize,omitempty"`
}

// CustomAPIConfig drives the enveloped-JSON API sink.
type CustomAPIConfig struct {
	URL       string            `json:"url"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	AuthToken string            `json:"authToken,omitempty"`
}

// SheetsConfig drives the Google Sheets sink.
type SheetsConfig struct {
	SpreadsheetID   string    `json:"spreadsheetId"`
	SheetName       string    `json:"sheetName,omitempty"`
	WriteMode       WriteMode `json:"writeMode,omitempty"`
	CredentialsFile string    `json:"credentialsFile,omitempty"`
}

// ExcelConfig drives the .xlsx file sink.
type ExcelConfig struct {
	Path      string    `json:"path"`
	WriteMode WriteMode `json:"writeMode,omitempty"`
}

// CSVConfig drives the CSV file sink.
type CSVConfig struct {
	Path      string    `json:"path"`
	WriteMode WriteMode `json:"writeMode,omitempty"`
	Encoding  string    `json:"encoding,omitempty"`
}

// Validate checks that the variant carries the config its tag requires.
func (d Destination) Validate() error {
	switch d.Type {
	case DestinationWebhook:
		if d.Webhook == nil || d.Webhook.URL == "" {
			return fmt.Errorf("%w: webhook destination requires a url", ErrConfigInvalid)
		}
	case DestinationCustomAPI:
		if d.CustomAPI == nil || d.CustomAPI.URL == "" {
			return fmt.Errorf("%w: customApi destination requires a url", ErrConfigInvalid)
		}
	case DestinationGoogleSheets:
		if d.Sheets == nil || d.Sheets.SpreadsheetID == "" {
			return fmt.Errorf("%w: googleSheets destination requires a spreadsheetId", ErrConfigInvalid)
		}
	case DestinationExcel:
		if d.Excel == nil || d.Excel.Path == "" {
			return fmt.Errorf("%w: excel destination requires a path", ErrConfigInvalid)
		}
	case DestinationCSV:
		if d.CSV == nil || d.CSV.Path == "" {
			return fmt.Errorf("%w: csv destination requires a path", ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown destination type %q", ErrConfigInvalid, d.Type)
	}
	return nil
}
