package gamma

import (
	"encoding/json"
	"fmt"
)

// FlexStrings decodes a field that arrives either as a JSON array of
// strings or as a JSON-encoded string containing such an array. The Gamma
// API uses both shapes for clobTokenIds, outcomes and outcomePrices.
type FlexStrings []string

func (f *FlexStrings) UnmarshalJSON(data []byte) error {
	var direct []string
	if err := json.Unmarshal(data, &direct); err == nil {
		*f = direct
		return nil
	}

	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return fmt.Errorf("gamma: flex strings: %w", err)
	}
	if encoded == "" {
		*f = nil
		return nil
	}

	var inner []string
	if err := json.Unmarshal([]byte(encoded), &inner); err != nil {
		return fmt.Errorf("gamma: flex strings inner: %w", err)
	}
	*f = inner
	return nil
}

// Market is one Gamma market record.
type Market struct {
	ID              string      `json:"id"`
	Question        string      `json:"question"`
	ConditionID     string      `json:"conditionId"`
	Slug            string      `json:"slug"`
	EndDate         string      `json:"endDate"`
	ClobTokenIDs    FlexStrings `json:"clobTokenIds"`
	Outcomes        FlexStrings `json:"outcomes"`
	OutcomePrices   FlexStrings `json:"outcomePrices"`
	EnableOrderBook bool        `json:"enableOrderBook"`
	NegRisk         *bool       `json:"negRisk"`
	Active          bool        `json:"active"`
	Closed          bool        `json:"closed"`
}

// Event is one Gamma event with its markets.
type Event struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Slug    string   `json:"slug"`
	EndDate string   `json:"endDate"`
	Markets []Market `json:"markets"`
}
