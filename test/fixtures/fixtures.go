package fixtures

import (
	"time"

	"github.com/nimasrn/payment-gateway/internal/model"
)

func NewDonationRequest(name, email string, amount int64) model.DonationRequest {
	return model.DonationRequest{
		Name:   name,
		Email:  email,
		Amount: amount,
	}
}

func NewTestTransaction(ref string, amount int64, settled bool) *model.Transaction {
	txn := &model.Transaction{
		Reference:  ref,
		PayerName:  "Test Donor",
		PayerEmail: "donor@example.com",
		Amount:     amount,
		Currency:   "GHS",
		Settled:    settled,
		CreatedAt:  time.Now().UTC(),
	}
	if settled {
		now := time.Now().UTC()
		txn.SettledAt = &now
	}
	return txn
}

func DonationValid() model.DonationRequest {
	return NewDonationRequest("Ama Mensah", "ama@example.com", 50)
}

func DonationAnonymous() model.DonationRequest {
	return NewDonationRequest("", "anon@example.com", 10)
}

func DonationZeroAmount() model.DonationRequest {
	return NewDonationRequest("Ama Mensah", "ama@example.com", 0)
}

func DonationBadEmail() model.DonationRequest {
	return NewDonationRequest("Ama Mensah", "not-an-email", 50)
}

var (
	ValidEmails = []string{
		"ama@example.com",
		"kofi.boateng@example.org",
		"donor+tag@example.co.uk",
	}

	InvalidEmails = []string{
		"",
		"   ",
		"plainaddress",
		"@example.com",
		"ama@",
	}

	InvalidAmounts = []int64{0, -1, -5000}
)
