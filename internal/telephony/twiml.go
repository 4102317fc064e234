package telephony

import (
	"fmt"
	"strconv"
	"time"

	"github.com/twilio/twilio-go/twiml"
)

// AnswerDocument connects the answered call to the relay as a bidirectional
// media stream. The identifiers ride both in the URL and as stream parameters
// because the carrier drops query strings on stream URLs.
func AnswerDocument(streamURL string, ids StreamIDs) (string, error) {
	stream := &twiml.VoiceStream{Url: streamURL}
	for _, p := range [][2]string{{"lead_id", ids.LeadID}, {"campaign_id", ids.CampaignID}, {"call_sid", ids.CallSID}} {
		if p[1] == "" {
			continue
		}
		stream.InnerElements = append(stream.InnerElements, &twiml.VoiceParameter{Name: p[0], Value: p[1]})
	}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}

	doc, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		return "", fmt.Errorf("telephony: answer document: %w", err)
	}
	return doc, nil
}

// TransferDocument dials an agent number, presenting callerID.
func TransferDocument(number, callerID string, timeLimit time.Duration) (string, error) {
	dial := &twiml.VoiceDial{
		CallerId:      callerID,
		InnerElements: []twiml.Element{&twiml.VoiceNumber{PhoneNumber: number}},
	}
	if timeLimit > 0 {
		dial.TimeLimit = strconv.Itoa(int(timeLimit / time.Second))
	}

	doc, err := twiml.Voice([]twiml.Element{dial})
	if err != nil {
		return "", fmt.Errorf("telephony: transfer document: %w", err)
	}
	return doc, nil
}

// HangupDocument ends the call.
func HangupDocument() (string, error) {
	return twiml.Voice([]twiml.Element{&twiml.VoiceHangup{}})
}
