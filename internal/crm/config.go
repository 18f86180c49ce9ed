package crm

import (
	"fmt"
	"strings"
	"time"

	"github.com/svitloshop/bonusledger/pkg/bonus"
)

// FieldIDs names the CRM custom fields the engine reads and writes. The
// defaults match the production field layout; deployments against another
// CRM instance override them through configuration.
type FieldIDs struct {
	ActiveBalance   string
	ReservedBalance string
	History         string
	ExpiryDate      string
	LeadReserve     string
	LeadOrder       string
}

// DefaultFieldIDs returns the production custom field identifiers.
func DefaultFieldIDs() FieldIDs {
	return FieldIDs{
		ActiveBalance:   "CT_1023",
		ReservedBalance: "CT_1034",
		History:         "CT_1033",
		ExpiryDate:      "CT_1024",
		LeadReserve:     "LD_1035",
		LeadOrder:       "LD_1022",
	}
}

// Config carries the connection settings of the CRM client.
type Config struct {
	BaseURL  string
	APIToken string
	Fields   FieldIDs
	Timeout  time.Duration
}

// Validate rejects configurations the client cannot run with.
func (config Config) Validate() error {
	if strings.TrimSpace(config.BaseURL) == "" {
		return fmt.Errorf("%w: CRM base URL is required", bonus.ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(config.APIToken) == "" {
		return fmt.Errorf("%w: CRM API token is required", bonus.ErrInvalidServiceConfig)
	}
	for _, field := range []string{
		config.Fields.ActiveBalance,
		config.Fields.ReservedBalance,
		config.Fields.History,
		config.Fields.ExpiryDate,
		config.Fields.LeadReserve,
		config.Fields.LeadOrder,
	} {
		if strings.TrimSpace(field) == "" {
			return fmt.Errorf("%w: every CRM field identifier must be set", bonus.ErrInvalidServiceConfig)
		}
	}
	return nil
}
