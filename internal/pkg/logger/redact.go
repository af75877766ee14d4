package logger

// RedactPersonID masks a person-level identifier for safe logging.
// "P-10049382" → "P-***82"
// Short identifiers (≤4 chars) are fully masked: "123" → "***"
func RedactPersonID(id string) string {
	if len(id) <= 4 {
		return "***"
	}
	return id[:2] + "***" + id[len(id)-2:]
}
