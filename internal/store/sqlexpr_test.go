package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"smsd/internal/contact"
)

// The SQL-side normalizer must agree with the Go normalizer for every input,
// otherwise contact lookups silently miss rows.
func TestSQLExprAgreesWithNormalize(t *testing.T) {
	s := newTestStore(t)

	inputs := []string{
		"",
		"   ",
		"+48123456789",
		"whatsapp:+48 123-456-789",
		"WhatsApp:+48123456789",
		"messenger:john.doe",
		"tel:+1 (555) 010-9999",
		"sms:0048123456789",
		"0048123456789",
		"00 48 123 456 789",
		"123456789",
		"John.Doe@Example",
		"+48-123_456.789",
		"not a number",
		"sms:",
		"tel:",
		"+",
		"00",
	}

	query := `SELECT ` + contact.SQLExpr("?")
	for _, in := range inputs {
		var got string
		require.NoError(t, s.db.QueryRow(query, in).Scan(&got), "input %q", in)
		require.Equal(t, contact.Normalize(in), got, "input %q", in)
	}
}
