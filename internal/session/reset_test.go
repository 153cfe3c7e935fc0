package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kaelmesh/whisperlink/internal/ratchet"
)

func TestIsPeerResetTripsOnEarlyMessageNumberAfterAdvancedHistory(t *testing.T) {
	rs := &ratchet.State{ReceivingMessageNumber: 12}
	hdr := ratchet.Header{MessageNumber: 1}
	require.True(t, isPeerReset(hdr, rs))
}

func TestIsPeerResetDoesNotTripOnFreshSession(t *testing.T) {
	rs := &ratchet.State{ReceivingMessageNumber: 0, SendingMessageNumber: 0}
	hdr := ratchet.Header{MessageNumber: 1}
	require.False(t, isPeerReset(hdr, rs))
}

func TestIsPeerResetDoesNotTripOnOrdinaryAdvance(t *testing.T) {
	rs := &ratchet.State{ReceivingMessageNumber: 12}
	hdr := ratchet.Header{MessageNumber: 13}
	require.False(t, isPeerReset(hdr, rs))
}
