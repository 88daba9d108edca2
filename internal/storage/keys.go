package storage

const (
	codePrefix      = "msisdn_code_"
	codeCountPrefix = "code_count_"
	msisdnPrefix    = "msisdn_sms_"
	mtSenderPrefix  = "msisdn_mt_sender_"
	sessionPrefix   = "msisdn_session_"
)

func codeKey(id string) string      { return codePrefix + id }
func codeCountKey(id string) string { return codeCountPrefix + id }
func msisdnKey(id string) string    { return msisdnPrefix + id }
func mtSenderKey(id string) string  { return mtSenderPrefix + id }
func sessionKey(id string) string   { return sessionPrefix + id }

// volatileKeys lists every volatile key owned by a session.
func volatileKeys(id string) []string {
	return []string{sessionKey(id), msisdnKey(id), mtSenderKey(id), codeKey(id), codeCountKey(id)}
}
