package tools

import "github.com/acme/outbound-voice-bridge/internal/realtime"

// Tool names the model may call.
const (
	NameTransferCall     = "transfer_call"
	NameDisconnectCall   = "disconnect_call"
	NameUpdateLeadStatus = "update_lead_status"
	NameScheduleCallback = "schedule_callback"
)

// Disconnect reasons accepted by disconnect_call.
const (
	ReasonNotInterested   = "not_interested"
	ReasonAbusiveLanguage = "abusive_language"
	ReasonWrongNumber     = "wrong_number"
	ReasonOther           = "other"
)

// Definitions returns the tool schema advertised in the session configuration.
func Definitions() []realtime.Tool {
	return []realtime.Tool{
		{
			Type:        "function",
			Name:        NameTransferCall,
			Description: "Transfer the call to a human sales manager when the customer shows clear interest (asks about price, booking or a visit) or asks to speak with someone.",
			Parameters: object(map[string]any{
				"reason": str("Brief reason for the transfer, e.g. 'Customer wants pricing details'."),
				"department": map[string]any{
					"type":        "string",
					"description": "Use 'sales' for interested customers and 'support' for complaints.",
					"enum":        []string{"sales", "support"},
				},
			}, "reason"),
		},
		{
			Type:        "function",
			Name:        NameDisconnectCall,
			Description: "End the call politely when the customer is not interested, abusive, or it is a wrong number. Say goodbye first.",
			Parameters: object(map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Why the call is ending.",
					"enum":        []string{ReasonNotInterested, ReasonAbusiveLanguage, ReasonWrongNumber, ReasonOther},
				},
				"notes": str("Short summary of what the customer said."),
			}, "reason"),
		},
		{
			Type:        "function",
			Name:        NameUpdateLeadStatus,
			Description: "Record the lead's status and notes during the conversation.",
			Parameters: object(map[string]any{
				"status": map[string]any{
					"type": "string",
					"enum": []string{"contacted", "qualified", "lost", "converted"},
				},
				"reason": str("Reason for the status, e.g. budget or location mismatch."),
				"notes":  str("Details worth keeping for the sales team."),
			}, "status"),
		},
		{
			Type:        "function",
			Name:        NameScheduleCallback,
			Description: "Schedule a callback when the customer asks to be called later.",
			Parameters: object(map[string]any{
				"time": str("When to call back, as the customer said it (e.g. 'tomorrow 5pm')."),
			}, "time"),
		},
	}
}

func object(props map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func str(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}
