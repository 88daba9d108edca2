package delivery

import (
	"encoding/json"
	"net/url"
	"strings"

	"msisdn-gateway/internal/util"
)

// InboundMessage is a mobile-originated SMS reported by a gateway callback.
type InboundMessage struct {
	Msisdn string
	Text   string
	MCC    string
	MNC    string
}

// ParseNexmoCallback reads the query of a Nexmo inbound callback. The
// network-code parameter is the MCC followed by the MNC. It returns false
// when the request carries no sender, which Nexmo uses to probe the URL.
func ParseNexmoCallback(q url.Values) (*InboundMessage, bool) {
	if !q.Has("msisdn") {
		return nil, false
	}
	msg := &InboundMessage{Msisdn: "+" + util.DigitsOnly(q.Get("msisdn")), Text: util.CleanSMSText(q.Get("text"))}
	if nc := q.Get("network-code"); nc != "" {
		msg.MCC, msg.MNC = splitNetworkCode(nc)
	}
	return msg, true
}

// ParseBeepSendCallback reads a BeepSend inbound callback. The network is
// given either as an mccmnc JSON object or as separate mcc and mnc values.
func ParseBeepSendCallback(q url.Values) (*InboundMessage, bool) {
	if !q.Has("from") {
		return nil, false
	}
	msg := &InboundMessage{Msisdn: "+" + util.DigitsOnly(q.Get("from")), Text: util.CleanSMSText(q.Get("message"))}

	if raw := q.Get("mccmnc"); raw != "" {
		var network struct {
			MCC string `json:"mcc"`
			MNC string `json:"mnc"`
		}
		if json.Unmarshal([]byte(raw), &network) == nil {
			msg.MCC, msg.MNC = network.MCC, network.MNC
		} else {
			msg.MCC, msg.MNC = splitNetworkCode(raw)
		}
	} else if q.Has("mcc") {
		msg.MCC, msg.MNC = util.DigitsOnly(q.Get("mcc")), util.DigitsOnly(q.Get("mnc"))
	}
	return msg, true
}

// ExtractToken returns the second word of an MO text ("<keyword> <token>").
func ExtractToken(text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return "", false
	}
	return fields[1], true
}

func splitNetworkCode(nc string) (string, string) {
	if len(nc) <= 3 {
		return nc, ""
	}
	mnc := nc[3:]
	if len(mnc) > 3 {
		mnc = mnc[:3]
	}
	return nc[:3], mnc
}
