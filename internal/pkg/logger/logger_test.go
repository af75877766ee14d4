package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactPersonID(t *testing.T) {
	assert.Equal(t, "P-***82", RedactPersonID("P-10049382"))
	assert.Equal(t, "***", RedactPersonID("123"))
	assert.Equal(t, "***", RedactPersonID(""))
	assert.Equal(t, "ab***yz", RedactPersonID("abcdxyz"))
}

func TestRedactPHIValueKeyMatching(t *testing.T) {
	assert.Equal(t, "P-***82", redactPHIValue("person_id", "P-10049382"))
	assert.Equal(t, "P-***82", redactPHIValue("PatientID", "P-10049382"))
	assert.Equal(t, "P-***82", redactPHIValue("subject", "P-10049382"))
	assert.Equal(t, "case-42", redactPHIValue("case_id", "case-42"))
	assert.Equal(t, "hello", redactPHIValue("msg_detail", "hello"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("warn"))
	assert.Equal(t, ERROR, ParseLevel("error"))
	assert.Equal(t, INFO, ParseLevel("info"))
	assert.Equal(t, INFO, ParseLevel("verbose"))
}
