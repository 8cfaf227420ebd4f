package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/scarson/paidqueue/internal/auth"
	"github.com/scarson/paidqueue/internal/ledger"
	"github.com/scarson/paidqueue/internal/payment"
)

// registerAccountRoutes wires the ledger administration endpoints and the
// public package catalog.
func registerAccountRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "create-account",
		Method:      http.MethodPost,
		Path:        "/accounts",
		Summary:     "Create an account",
		Description: "Creates an account at the default priority tier. Answers 200 with created=false when the id exists.",
		Tags:        []string{"Accounts"},
	}, srv.createAccountHandler)

	huma.Register(api, huma.Operation{
		OperationID: "get-account",
		Method:      http.MethodGet,
		Path:        "/accounts/{id}",
		Summary:     "Get an account",
		Tags:        []string{"Accounts"},
	}, srv.getAccountHandler)

	huma.Register(api, huma.Operation{
		OperationID: "adjust-balance",
		Method:      http.MethodPost,
		Path:        "/accounts/{id}/balance",
		Summary:     "Adjust an account balance",
		Description: "Adds a signed delta to the balance. Never creates the account.",
		Tags:        []string{"Accounts"},
	}, srv.adjustBalanceHandler)

	huma.Register(api, huma.Operation{
		OperationID: "raise-priority",
		Method:      http.MethodPost,
		Path:        "/accounts/{id}/priority",
		Summary:     "Raise an account priority tier",
		Description: "Applies the tier only when it is strictly better (smaller) than the current one.",
		Tags:        []string{"Accounts"},
	}, srv.raisePriorityHandler)

	huma.Register(api, huma.Operation{
		OperationID: "list-packages",
		Method:      http.MethodGet,
		Path:        "/packages",
		Summary:     "List point packages",
		Tags:        []string{"Payments"},
	}, srv.listPackagesHandler)
}

type accountOutput struct {
	Body *ledger.Account
}

// ── Create ────────────────────────────────────────────────────────────────────

type createAccountInput struct {
	Body struct {
		ID             string `json:"id"                        minLength:"1" maxLength:"128"`
		ReferredBy     string `json:"referred_by,omitempty"`
		InitialBalance int64  `json:"initial_balance,omitempty" minimum:"0"`
	}
}

type createAccountOutput struct {
	Status int
	Body   struct {
		Created bool            `json:"created"`
		Account *ledger.Account `json:"account"`
	}
}

func (srv *Server) createAccountHandler(ctx context.Context, input *createAccountInput) (*createAccountOutput, error) {
	if err := authorize(ctx, auth.RoleAdmin); err != nil {
		return nil, err
	}
	created, err := srv.deps.Ledger.CreateAccount(ctx, input.Body.ID, input.Body.ReferredBy, input.Body.InitialBalance)
	if err != nil {
		return nil, toHTTPError(ctx, "create account", err)
	}
	a, err := srv.deps.Ledger.Get(ctx, input.Body.ID)
	if err != nil {
		return nil, toHTTPError(ctx, "create account", err)
	}
	out := &createAccountOutput{Status: http.StatusOK}
	if created {
		out.Status = http.StatusCreated
	}
	out.Body.Created = created
	out.Body.Account = a
	return out, nil
}

// ── Get ───────────────────────────────────────────────────────────────────────

type accountIDInput struct {
	ID string `path:"id" minLength:"1"`
}

func (srv *Server) getAccountHandler(ctx context.Context, input *accountIDInput) (*accountOutput, error) {
	if err := authorize(ctx, auth.RoleAdmin); err != nil {
		return nil, err
	}
	a, err := srv.deps.Ledger.Get(ctx, input.ID)
	if err != nil {
		return nil, toHTTPError(ctx, "get account", err)
	}
	return &accountOutput{Body: a}, nil
}

// ── Balance ───────────────────────────────────────────────────────────────────

type adjustBalanceInput struct {
	ID   string `path:"id" minLength:"1"`
	Body struct {
		Delta int64 `json:"delta" doc:"Signed number of points to add"`
	}
}

type adjustBalanceOutput struct {
	Body struct {
		Balance int64 `json:"balance"`
	}
}

func (srv *Server) adjustBalanceHandler(ctx context.Context, input *adjustBalanceInput) (*adjustBalanceOutput, error) {
	if err := authorize(ctx, auth.RoleAdmin); err != nil {
		return nil, err
	}
	balance, err := srv.deps.Ledger.ApplyBalanceDelta(ctx, input.ID, input.Body.Delta)
	if err != nil {
		return nil, toHTTPError(ctx, "adjust balance", err)
	}
	out := &adjustBalanceOutput{}
	out.Body.Balance = balance
	return out, nil
}

// ── Priority ──────────────────────────────────────────────────────────────────

type raisePriorityInput struct {
	ID   string `path:"id" minLength:"1"`
	Body struct {
		Tier int `json:"tier" minimum:"0" doc:"Candidate tier; smaller is more urgent"`
	}
}

type raisePriorityOutput struct {
	Body struct {
		Applied bool `json:"applied"`
		Tier    int  `json:"tier" doc:"Tier after the call"`
	}
}

func (srv *Server) raisePriorityHandler(ctx context.Context, input *raisePriorityInput) (*raisePriorityOutput, error) {
	if err := authorize(ctx, auth.RoleAdmin); err != nil {
		return nil, err
	}
	applied, err := srv.deps.Ledger.RaisePriorityIfBetter(ctx, input.ID, input.Body.Tier)
	if err != nil {
		return nil, toHTTPError(ctx, "raise priority", err)
	}
	tier, err := srv.deps.Ledger.Priority(ctx, input.ID)
	if err != nil {
		return nil, toHTTPError(ctx, "raise priority", err)
	}
	out := &raisePriorityOutput{}
	out.Body.Applied = applied
	out.Body.Tier = tier
	return out, nil
}

// ── Packages ──────────────────────────────────────────────────────────────────

type listPackagesOutput struct {
	Body struct {
		Packages []payment.Package `json:"packages"`
	}
}

func (srv *Server) listPackagesHandler(ctx context.Context, _ *struct{}) (*listPackagesOutput, error) {
	if err := authorize(ctx, auth.RoleProducer, auth.RoleWorker); err != nil {
		return nil, err
	}
	out := &listPackagesOutput{}
	out.Body.Packages = payment.Packages()
	return out, nil
}
