package tracing

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsIdentityKeys(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("stage", "link"),
		attribute.String("customer_id", "cus_1"),
		attribute.String("fbclid", "abc"),
		attribute.Int("links", 3),
	)

	require.Len(t, attrs, 2)
	require.Equal(t, attribute.Key("stage"), attrs[0].Key)
	require.Equal(t, attribute.Key("links"), attrs[1].Key)
}

func TestSafeAttributesTruncatesLongStrings(t *testing.T) {
	attrs := SafeAttributes(attribute.String("reason", strings.Repeat("x", 400)))

	require.Len(t, attrs, 1)
	require.Len(t, attrs[0].Value.AsString(), maxAttributeLength)
}

func TestSafeError(t *testing.T) {
	require.Nil(t, SafeError(nil))

	err := SafeError(errors.New("duplicate_key:\n  sessions \"s_1\""))
	require.EqualError(t, err, `duplicate_key: sessions "s_1"`)
}
