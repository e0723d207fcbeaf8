package pipeline

import (
	"testing"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestHeuristicFields(t *testing.T) {
	tests := []struct {
		name string
		text string
		want domain.ExtractedFields
		ok   bool
	}{
		{
			name: "labelled debit alert",
			text: "Debit Alert\nAmount: NGN 5,000.00\nNarration: AIRTIME TO 08160226835\nDate: 2024-01-02 10:00:00",
			want: domain.ExtractedFields{Type: "debit", Amount: "5,000.00", Narration: "AIRTIME TO 08160226835", Date: "2024-01-02 10:00:00"},
			ok:   true,
		},
		{
			name: "credit amount with balance and day-first date",
			text: "Credit Transaction\nCredit Amount 12,000.50\nRemarks: SALARY MARCH\nAvailable Balance: NGN 40,100.00\nValue on 15/03/2024 09:00",
			want: domain.ExtractedFields{Type: "credit", Amount: "12,000.50", Narration: "SALARY MARCH", BalanceAfter: "40,100.00", Date: "15/03/2024 09:00"},
			ok:   true,
		},
		{
			name: "naira sign and long date",
			text: "You have been debited ₦2,500.00\nDescription - POS WEB PMT\nMarch 15th, 2024 14:30:00",
			want: domain.ExtractedFields{Type: "debit", Amount: "2,500.00", Narration: "POS WEB PMT", Date: "March 15th, 2024 14:30:00"},
			ok:   true,
		},
		{
			name: "no type keyword",
			text: "Amount: NGN 5,000.00",
			ok:   false,
		},
		{
			name: "no amount",
			text: "Your debit card is on its way",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := heuristicFields(tt.text)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestIsNoise(t *testing.T) {
	noisy := []string{
		"Successful Login Confirmation",
		"Security Alert: new device",
		"Your OTP is 123456",
		"Transaction Declined",
		"POS transaction failed",
	}
	for _, s := range noisy {
		assert.True(t, isNoise(s), s)
	}

	clean := []string{"", "AIRTIME TO 08160226835", "UBER TRIP 12345", "TOPUP WALLET", "FAILEDBANK LTD"}
	for _, s := range clean {
		assert.False(t, isNoise(s), s)
	}
}
