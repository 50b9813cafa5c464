package router

import (
	"net/http"

	"github.com/skillswap/backend/internal/auth"
	"github.com/skillswap/backend/internal/deposits"
	"github.com/skillswap/backend/internal/ledger"
	"github.com/skillswap/backend/internal/middleware"
	"github.com/skillswap/backend/internal/payoutmethods"
	"github.com/skillswap/backend/internal/payouts"
	"github.com/skillswap/backend/internal/webhooks"
)

type Handlers struct {
	Auth          *auth.Handler
	Ledger        *ledger.Handler
	Deposits      *deposits.Handler
	Payouts       *payouts.Handler
	PayoutMethods *payoutmethods.Handler
	Webhooks      *webhooks.Handler
}

// New returns an http.Handler serving the API under /api/v1 plus the
// unauthenticated provider callback endpoints under /webhooks.
func New(h Handlers, authn func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	mux.HandleFunc("POST "+base+"/auth/register", h.Auth.Register)
	mux.HandleFunc("POST "+base+"/auth/login", h.Auth.Login)

	// Provider callbacks authenticate by signature, not bearer token.
	mux.HandleFunc("POST /webhooks/paypal", h.Webhooks.PayPal)
	mux.HandleFunc("POST /webhooks/whish", h.Webhooks.Whish)

	user := http.NewServeMux()
	user.HandleFunc("GET "+base+"/wallet", h.Ledger.Wallet)
	user.HandleFunc("GET "+base+"/transactions", h.Ledger.ListMine)
	user.HandleFunc("POST "+base+"/transactions", h.Ledger.Settle)

	user.HandleFunc("GET "+base+"/deposits/packages", h.Deposits.Packages)
	user.HandleFunc("POST "+base+"/deposits/paypal", h.Deposits.CreatePayPal)
	user.HandleFunc("POST "+base+"/deposits/whish", h.Deposits.CreateWhish)

	user.HandleFunc("POST "+base+"/payouts", h.Payouts.Request)
	user.HandleFunc("GET "+base+"/payouts", h.Payouts.ListMine)

	user.HandleFunc("GET "+base+"/payout-methods", h.PayoutMethods.List)
	user.HandleFunc("POST "+base+"/payout-methods", h.PayoutMethods.Create)
	user.HandleFunc("POST "+base+"/payout-methods/{id}/default", h.PayoutMethods.SetDefault)
	user.HandleFunc("DELETE "+base+"/payout-methods/{id}", h.PayoutMethods.Delete)

	admin := http.NewServeMux()
	admin.HandleFunc("GET "+base+"/admin/payouts", h.Payouts.ListAll)
	admin.HandleFunc("POST "+base+"/admin/payouts/{id}/approve", h.Payouts.Approve)
	admin.HandleFunc("POST "+base+"/admin/payouts/{id}/reject", h.Payouts.Reject)
	admin.HandleFunc("POST "+base+"/admin/payouts/{id}/mark-paid", h.Payouts.MarkPaid)
	admin.HandleFunc("POST "+base+"/admin/payouts/{id}/mark-failed", h.Payouts.MarkFailed)
	admin.HandleFunc("GET "+base+"/admin/transactions", h.Ledger.ListAll)
	admin.HandleFunc("PATCH "+base+"/admin/transactions/{id}/status", h.Ledger.OverrideStatus)

	user.Handle(base+"/admin/", middleware.RequireAdmin(admin))
	mux.Handle(base+"/", authn(user))

	return mux
}
