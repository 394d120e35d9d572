package adaptive

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"adaptivepay/internal/common/database"
	"adaptivepay/internal/common/events"
	"adaptivepay/internal/common/money"
	"adaptivepay/internal/paypal"
	"adaptivepay/internal/paypal/ipn"
)

func sellerReceivers(amount string) paypal.ReceiverList {
	return paypal.ReceiverList{{Email: "seller@example.com", Amount: money.MustParse(amount, "USD"), Primary: true}}
}

func payNotification(amount, status, txnID string) *ipn.Notification {
	m, _ := ipn.ParseMoney(amount)
	return &ipn.Notification{
		Type:   ipn.TypePayment,
		Status: status,
		Transactions: []ipn.Transaction{
			{ID: txnID, Amount: m, Status: status},
		},
	}
}

func TestPaymentLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.payResp = &paypal.PayResponse{PayKey: "AP-1", PaymentExecStatus: paypal.ExecCreated}

	p, err := f.svc.CreatePayment(ctx, money.MustParse("100.00", "USD"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Status != PaymentNew || len(p.Secret) != SecretLength {
		t.Fatalf("unexpected new payment %+v", p)
	}

	ok, err := f.svc.ProcessPayment(ctx, p, ProcessPaymentOptions{Receivers: sellerReceivers("100.00")})
	if err != nil || !ok {
		t.Fatalf("expected payment to be processed, got %v %v", ok, err)
	}
	if p.Status != PaymentCreated || p.PayKey != "AP-1" {
		t.Fatalf("expected created AP-1, got %s %s", p.Status, p.PayKey)
	}
	if p.DebugRequest == "" || p.DebugResponse == "" {
		t.Fatalf("expected debug payloads to be saved")
	}
	if got := f.svc.PaymentNextURL(p); !strings.HasSuffix(got, "paykey=AP-1") {
		t.Fatalf("unexpected next url %q", got)
	}

	req := f.provider.payRequests[0]
	if req.ReturnURL != "https://shop.example/paypal/return/pay/1/"+p.Secret+"/" {
		t.Fatalf("unexpected return url %q", req.ReturnURL)
	}
	if req.IPNNotificationURL != "https://shop.example/paypal/ipn/1/"+p.Secret+"/" {
		t.Fatalf("unexpected ipn url %q", req.IPNNotificationURL)
	}
	if len(f.scheduler.calls) != 1 || f.scheduler.calls[0] != (scheduled{kind: "payment", id: p.ID, delay: 10 * time.Minute}) {
		t.Fatalf("expected a delayed payment update, got %+v", f.scheduler.calls)
	}

	n := payNotification("100.00 USD", ipn.StatusCompleted, "1")
	for i := 0; i < 2; i++ {
		if err := f.svc.HandleNotification(ctx, p.ID, p.Secret, n); err != nil {
			t.Fatalf("notification %d: unexpected error: %v", i, err)
		}
		got, _ := f.svc.GetPayment(ctx, p.ID)
		if got.Status != PaymentCompleted || got.TransactionID != "1" || got.StatusDetail != "" {
			t.Fatalf("notification %d: expected completed with transaction 1, got %+v", i, got)
		}
	}

	if types := f.publisher.types(); len(types) != 1 || types[0] != events.EventPaymentCompleted {
		t.Fatalf("expected one completed event, got %v", types)
	}
}

func TestProcessPaymentOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		resp       *paypal.PayResponse
		err        error
		wantOK     bool
		wantStatus PaymentStatus
		wantDetail string
	}{
		{
			name:       "completed immediately",
			resp:       &paypal.PayResponse{PayKey: "AP-2", PaymentExecStatus: paypal.ExecCompleted},
			wantOK:     true,
			wantStatus: PaymentCompleted,
		},
		{
			name: "exec error",
			resp: &paypal.PayResponse{
				PayKey:            "AP-7YC11928U7484393G",
				PaymentExecStatus: paypal.ExecError,
				PayErrorList: &struct {
					PayError []paypal.PayErrorItem `json:"payError"`
				}{PayError: []paypal.PayErrorItem{{Error: paypal.ErrorData{
					ErrorID:  "569059",
					Severity: "Error",
					Message:  "Instant payments can't be pending",
				}}}},
			},
			wantStatus: PaymentError,
			wantDetail: "Error 569059: Instant payments can't be pending",
		},
		{
			name:       "created without pay key",
			resp:       &paypal.PayResponse{PaymentExecStatus: paypal.ExecCreated},
			wantStatus: PaymentError,
			wantDetail: `Unexpected paymentExecStatus "CREATED"`,
		},
		{
			name:       "provider failure",
			err:        &paypal.PayError{APIError: paypal.APIError{Message: "Invalid request parameter"}},
			wantStatus: PaymentError,
			wantDetail: "Invalid request parameter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.provider.payResp = tt.resp
			f.provider.payErr = tt.err

			p, _ := f.svc.CreatePayment(ctx, money.MustParse("100", "USD"))
			ok, err := f.svc.ProcessPayment(ctx, p, ProcessPaymentOptions{Receivers: sellerReceivers("100")})
			if err != nil {
				t.Fatalf("provider errors must not propagate, got %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("expected ok=%v, got %v", tt.wantOK, ok)
			}
			if p.Status != tt.wantStatus || p.StatusDetail != tt.wantDetail {
				t.Fatalf("expected %s %q, got %s %q", tt.wantStatus, tt.wantDetail, p.Status, p.StatusDetail)
			}
			if p.DebugResponse != string(stubExchange.Response) {
				t.Fatalf("expected debug response to be saved on every path")
			}
			if tt.wantStatus != PaymentCreated && len(f.scheduler.calls) != 0 {
				t.Fatalf("expected no update to be scheduled, got %+v", f.scheduler.calls)
			}
		})
	}
}

func TestProcessPaymentReceivers(t *testing.T) {
	t.Run("promotes first receiver", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.provider.payResp = &paypal.PayResponse{PayKey: "AP-1", PaymentExecStatus: paypal.ExecCreated}

		p, _ := f.svc.CreatePayment(ctx, money.MustParse("100", "USD"))
		receivers := paypal.ReceiverList{
			{Email: "seller@example.com", Amount: money.MustParse("90", "USD")},
			{Email: "platform@example.com", Amount: money.MustParse("10", "USD")},
		}
		if ok, _ := f.svc.ProcessPayment(ctx, p, ProcessPaymentOptions{Receivers: receivers, PreapprovalKey: "PA-1"}); !ok {
			t.Fatalf("expected payment to be processed: %s", p.StatusDetail)
		}

		sent := f.provider.payRequests[0]
		if !sent.Receivers[0].Primary || sent.Receivers[1].Primary {
			t.Fatalf("expected first receiver to be promoted, got %+v", sent.Receivers)
		}
		if sent.PreapprovalKey != "PA-1" {
			t.Fatalf("expected preapproval key to be passed on")
		}
		if receivers[0].Primary {
			t.Fatalf("expected caller's receivers to be left untouched")
		}
	})

	t.Run("two primaries", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		p, _ := f.svc.CreatePayment(ctx, money.MustParse("100", "USD"))
		receivers := paypal.ReceiverList{
			{Email: "seller@example.com", Amount: money.MustParse("50", "USD"), Primary: true},
			{Email: "platform@example.com", Amount: money.MustParse("10", "USD"), Primary: true},
		}
		ok, err := f.svc.ProcessPayment(ctx, p, ProcessPaymentOptions{Receivers: receivers})
		if ok || err != nil {
			t.Fatalf("expected false, nil; got %v %v", ok, err)
		}
		if p.Status != PaymentError || p.StatusDetail != "There can only be one primary Receiver" {
			t.Fatalf("unexpected payment %s %q", p.Status, p.StatusDetail)
		}
		if f.provider.callCount(paypal.OpPay) != 0 {
			t.Fatalf("expected PayPal not to be called")
		}
	})
}

func TestNotificationAmountMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedPayment(t, money.MustParse("100", "SEK"), PaymentCreated)

	n := payNotification("1337.23 SEK", ipn.StatusCompleted, "1")
	n.Transactions = append(n.Transactions, n.Transactions[0])
	if err := f.svc.HandleNotification(ctx, p.ID, p.Secret, n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := f.svc.GetPayment(ctx, p.ID)
	want := "IPN amounts didn't match. Payment requested 100.00 SEK. Payment made 1337.23 SEK"
	if got.Status != PaymentError || got.StatusDetail != want {
		t.Fatalf("expected %q, got %s %q", want, got.Status, got.StatusDetail)
	}
	if types := f.publisher.types(); len(types) != 1 || types[0] != events.EventPaymentError {
		t.Fatalf("expected one error event, got %v", types)
	}
}

func TestPaymentNotificationOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		n          *ipn.Notification
		wantStatus PaymentStatus
		wantDetail string
	}{
		{
			name:       "pending",
			n:          payNotification("100.00 USD", ipn.StatusPending, "1"),
			wantStatus: PaymentError,
			wantDetail: `PayPal status was "PENDING"`,
		},
		{
			name:       "no transactions",
			n:          &ipn.Notification{Type: ipn.TypePayment, Status: ipn.StatusCompleted},
			wantStatus: PaymentError,
			wantDetail: "IPN amounts didn't match. Payment requested 100.00 USD. Payment made nothing",
		},
		{
			name:       "currency differs",
			n:          payNotification("100.00 EUR", ipn.StatusCompleted, "1"),
			wantStatus: PaymentError,
			wantDetail: "IPN amounts didn't match. Payment requested 100.00 USD. Payment made 100.00 EUR",
		},
		{
			name:       "adjustment",
			n:          &ipn.Notification{Type: ipn.TypeAdjustment, Status: ipn.StatusCompleted},
			wantStatus: PaymentCreated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			p := f.seedPayment(t, money.MustParse("100", "USD"), PaymentCreated)

			if err := f.svc.HandleNotification(ctx, p.ID, p.Secret, tt.n); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got, _ := f.svc.GetPayment(ctx, p.ID)
			if got.Status != tt.wantStatus || got.StatusDetail != tt.wantDetail {
				t.Fatalf("expected %s %q, got %s %q", tt.wantStatus, tt.wantDetail, got.Status, got.StatusDetail)
			}
		})
	}
}

func TestNotificationIsIdempotent(t *testing.T) {
	ctx := context.Background()

	t.Run("payment", func(t *testing.T) {
		for _, status := range []PaymentStatus{PaymentCompleted, PaymentCanceled} {
			f := newFixture(t)
			p := f.seedPayment(t, money.MustParse("100", "USD"), status)
			n := payNotification("100.00 USD", ipn.StatusCompleted, "9")

			_ = f.svc.HandleNotification(ctx, p.ID, p.Secret, n)
			once, _ := f.svc.GetPayment(ctx, p.ID)
			_ = f.svc.HandleNotification(ctx, p.ID, p.Secret, n)
			twice, _ := f.svc.GetPayment(ctx, p.ID)

			if once.Status != twice.Status || once.StatusDetail != twice.StatusDetail || once.TransactionID != twice.TransactionID {
				t.Fatalf("%s: expected %s %q, got %s %q", status, once.Status, once.StatusDetail, twice.Status, twice.StatusDetail)
			}
		}
	})

	t.Run("preapproval", func(t *testing.T) {
		notifications := []*ipn.Notification{
			{Type: ipn.TypePreapproval, Status: ipn.StatusActive, Approved: true},
			{Type: ipn.TypePreapproval, Status: ipn.StatusCanceled},
		}
		for _, status := range []PreapprovalStatus{PreapprovalApproved, PreapprovalCanceled} {
			for _, n := range notifications {
				f := newFixture(t)
				p := f.seedPreapproval(t, money.MustParse("2000", "SEK"), status)
				n.MaxTotalAmountOfAllPayments = &p.Money

				_ = f.svc.HandleNotification(ctx, p.ID, p.Secret, n)
				once, _ := f.svc.GetPreapproval(ctx, p.ID)
				_ = f.svc.HandleNotification(ctx, p.ID, p.Secret, n)
				twice, _ := f.svc.GetPreapproval(ctx, p.ID)

				if once.Status != twice.Status || once.StatusDetail != twice.StatusDetail {
					t.Fatalf("%s/%s: expected %s, got %s", status, n.Status, once.Status, twice.Status)
				}
			}
		}
	})
}

func TestNotificationSecretMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.seedPayment(t, money.MustParse("100", "USD"), PaymentCreated)

	err := f.svc.HandleNotification(ctx, p.ID, "forged", payNotification("100.00 USD", ipn.StatusCompleted, "1"))
	if !errors.Is(err, ErrSecretMismatch) {
		t.Fatalf("expected ErrSecretMismatch, got %v", err)
	}

	got, _ := f.svc.GetPayment(ctx, p.ID)
	if got.Status != PaymentError || got.StatusDetail != `IPN secret "forged" did not match db` {
		t.Fatalf("unexpected payment %s %q", got.Status, got.StatusDetail)
	}
	if got.TransactionID != "" || got.PayKey != p.PayKey || got.Secret != p.Secret || !got.Money.Equal(p.Money) {
		t.Fatalf("expected other fields to be untouched, got %+v", got)
	}

	pre := f.seedPreapproval(t, money.MustParse("10", "USD"), PreapprovalCreated)
	err = f.svc.HandleNotification(ctx, pre.ID, "forged", &ipn.Notification{Type: ipn.TypePreapproval})
	if !errors.Is(err, ErrSecretMismatch) {
		t.Fatalf("expected ErrSecretMismatch, got %v", err)
	}
}

func TestNotificationUnknownID(t *testing.T) {
	f := newFixture(t)

	err := f.svc.HandleNotification(context.Background(), 42, "secret", payNotification("1.00 USD", ipn.StatusCompleted, "1"))
	if !database.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	err = f.svc.HandleNotification(context.Background(), 42, "secret", &ipn.Notification{Type: ipn.TypePreapproval})
	if !database.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPreapprovalNotificationOutcomes(t *testing.T) {
	ceiling := money.MustParse("2000", "SEK")
	other := money.MustParse("1999", "SEK")

	tests := []struct {
		name       string
		start      PreapprovalStatus
		n          ipn.Notification
		wantStatus PreapprovalStatus
		wantDetail string
	}{
		{
			name:       "approved",
			start:      PreapprovalCreated,
			n:          ipn.Notification{Status: ipn.StatusActive, Approved: true, MaxTotalAmountOfAllPayments: &ceiling},
			wantStatus: PreapprovalApproved,
		},
		{
			name:       "canceled",
			start:      PreapprovalApproved,
			n:          ipn.Notification{Status: ipn.StatusCanceled, MaxTotalAmountOfAllPayments: &ceiling},
			wantStatus: PreapprovalCanceled,
			wantDetail: "Cancellation received via IPN",
		},
		{
			name:       "not approved",
			start:      PreapprovalCreated,
			n:          ipn.Notification{Status: ipn.StatusActive, MaxTotalAmountOfAllPayments: &ceiling},
			wantStatus: PreapprovalError,
			wantDetail: "The preapproval is not approved",
		},
		{
			name:       "amount mismatch",
			start:      PreapprovalCreated,
			n:          ipn.Notification{Status: ipn.StatusActive, Approved: true, MaxTotalAmountOfAllPayments: &other},
			wantStatus: PreapprovalError,
			wantDetail: "IPN amounts didn't match. Preapproval requested 2000.00 SEK. Preapproval made 1999.00 SEK",
		},
		{
			name:       "approval after cancel",
			start:      PreapprovalCanceled,
			n:          ipn.Notification{Status: ipn.StatusActive, Approved: true, MaxTotalAmountOfAllPayments: &ceiling},
			wantStatus: PreapprovalCanceled,
		},
		{
			name:       "approval after use",
			start:      PreapprovalUsed,
			n:          ipn.Notification{Status: ipn.StatusActive, Approved: true, MaxTotalAmountOfAllPayments: &ceiling},
			wantStatus: PreapprovalUsed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			p := f.seedPreapproval(t, ceiling, tt.start)

			n := tt.n
			n.Type = ipn.TypePreapproval
			if err := f.svc.HandleNotification(ctx, p.ID, p.Secret, &n); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got, _ := f.svc.GetPreapproval(ctx, p.ID)
			if got.Status != tt.wantStatus || got.StatusDetail != tt.wantDetail {
				t.Fatalf("expected %s %q, got %s %q", tt.wantStatus, tt.wantDetail, got.Status, got.StatusDetail)
			}
		})
	}
}

func TestPaymentReturned(t *testing.T) {
	tests := []struct {
		name       string
		start      PaymentStatus
		wrongKey   bool
		wantErr    error
		wantStatus PaymentStatus
		wantDetail string
		wantPoll   bool
	}{
		{name: "created", start: PaymentCreated, wantStatus: PaymentReturned, wantPoll: true},
		{name: "completed", start: PaymentCompleted, wantStatus: PaymentCompleted, wantPoll: true},
		{
			name:       "new",
			start:      PaymentNew,
			wantErr:    ErrUnexpectedStatus,
			wantStatus: PaymentError,
			wantDetail: "Expected status to be created or completed, not new - duplicate transaction?",
		},
		{
			name:       "returned twice",
			start:      PaymentReturned,
			wantErr:    ErrUnexpectedStatus,
			wantStatus: PaymentError,
			wantDetail: "Expected status to be created or completed, not returned - duplicate transaction?",
		},
		{
			name:       "wrong secret",
			start:      PaymentCreated,
			wrongKey:   true,
			wantErr:    ErrSecretMismatch,
			wantStatus: PaymentError,
			wantDetail: `Return secret "0000" did not match`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			p := f.seedPayment(t, money.MustParse("5", "USD"), tt.start)

			secret := p.Secret
			if tt.wrongKey {
				secret = "0000"
			}
			got, err := f.svc.PaymentReturned(ctx, p.ID, secret)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if got.Status != tt.wantStatus || got.StatusDetail != tt.wantDetail {
				t.Fatalf("expected %s %q, got %s %q", tt.wantStatus, tt.wantDetail, got.Status, got.StatusDetail)
			}
			if polled := len(f.scheduler.calls) == 1; polled != tt.wantPoll {
				t.Fatalf("expected poll scheduled=%v, got %+v", tt.wantPoll, f.scheduler.calls)
			}
		})
	}
}

func TestPaymentCanceled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.seedPayment(t, money.MustParse("5", "USD"), PaymentCreated)
	got, err := f.svc.PaymentCanceled(ctx, p.ID, p.Secret)
	if err != nil || got.Status != PaymentCanceled {
		t.Fatalf("expected canceled, got %v %v", got, err)
	}

	done := f.seedPayment(t, money.MustParse("5", "USD"), PaymentCompleted)
	got, err = f.svc.PaymentCanceled(ctx, done.ID, done.Secret)
	if err != nil || got.Status != PaymentCompleted {
		t.Fatalf("expected completed payment to stay completed, got %v %v", got, err)
	}

	_, err = f.svc.PaymentCanceled(ctx, done.ID, "nope")
	if !errors.Is(err, ErrSecretMismatch) {
		t.Fatalf("expected ErrSecretMismatch, got %v", err)
	}
}

func TestPreapprovalReturned(t *testing.T) {
	tests := []struct {
		start      PreapprovalStatus
		wantErr    error
		wantStatus PreapprovalStatus
		wantDetail string
	}{
		{start: PreapprovalCreated, wantStatus: PreapprovalReturned},
		{start: PreapprovalApproved, wantStatus: PreapprovalApproved},
		{
			start:      PreapprovalNew,
			wantErr:    ErrUnexpectedStatus,
			wantStatus: PreapprovalError,
			wantDetail: "Expected status to be created or approved not new - duplicate transaction?",
		},
		{
			start:      PreapprovalCanceled,
			wantErr:    ErrUnexpectedStatus,
			wantStatus: PreapprovalError,
			wantDetail: "Expected status to be created or approved not canceled - duplicate transaction?",
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.start), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			p := f.seedPreapproval(t, money.MustParse("5", "USD"), tt.start)

			got, err := f.svc.PreapprovalReturned(ctx, p.ID, p.Secret)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if got.Status != tt.wantStatus || got.StatusDetail != tt.wantDetail {
				t.Fatalf("expected %s %q, got %s %q", tt.wantStatus, tt.wantDetail, got.Status, got.StatusDetail)
			}
		})
	}

	f := newFixture(t)
	p := f.seedPreapproval(t, money.MustParse("5", "USD"), PreapprovalCreated)
	got, err := f.svc.PreapprovalReturned(context.Background(), p.ID, "abc")
	if !errors.Is(err, ErrSecretMismatch) || got.StatusDetail != `Return secret "abc" did not match` {
		t.Fatalf("expected secret mismatch, got %v %q", err, got.StatusDetail)
	}
}

func TestUpdatePayment(t *testing.T) {
	tests := []struct {
		name       string
		start      PaymentStatus
		remote     string
		wantStatus PaymentStatus
		wantCalled bool
	}{
		{name: "completed remotely", start: PaymentReturned, remote: "COMPLETED", wantStatus: PaymentCompleted, wantCalled: true},
		{name: "still created", start: PaymentCreated, remote: "CREATED", wantStatus: PaymentCreated, wantCalled: true},
		{name: "error remotely", start: PaymentCreated, remote: "ERROR", wantStatus: PaymentError, wantCalled: true},
		{name: "unknown status", start: PaymentReturned, remote: "PROCESSING", wantStatus: PaymentReturned, wantCalled: true},
		{name: "already completed", start: PaymentCompleted, remote: "ERROR", wantStatus: PaymentCompleted},
		{name: "already refunded", start: PaymentRefunded, remote: "COMPLETED", wantStatus: PaymentRefunded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.provider.payDetails = &paypal.PaymentDetailsResponse{Status: tt.remote}
			p := f.seedPayment(t, money.MustParse("5", "USD"), tt.start)

			got, err := f.svc.UpdatePayment(ctx, p.ID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Status != tt.wantStatus {
				t.Fatalf("expected %s, got %s", tt.wantStatus, got.Status)
			}
			if called := f.provider.callCount(paypal.OpPaymentDetails) == 1; called != tt.wantCalled {
				t.Fatalf("expected PaymentDetails called=%v", tt.wantCalled)
			}
		})
	}

	f := newFixture(t)
	p := f.seedPayment(t, money.MustParse("5", "USD"), PaymentNew)
	_, err := f.svc.UpdatePayment(context.Background(), p.ID)
	if !errors.Is(err, ErrUnprocessedPayment) {
		t.Fatalf("expected ErrUnprocessedPayment, got %v", err)
	}
}

func TestUpdatePreapproval(t *testing.T) {
	details := func(status string, approved bool, cur, max int64) *paypal.PreapprovalDetailsResponse {
		return &paypal.PreapprovalDetailsResponse{
			Status:              status,
			Approved:            paypal.FlexBool(approved),
			CurPayments:         paypal.FlexInt{Value: cur, Set: true},
			MaxNumberOfPayments: paypal.FlexInt{Value: max, Set: true},
		}
	}

	tests := []struct {
		name       string
		start      PreapprovalStatus
		remote     *paypal.PreapprovalDetailsResponse
		wantStatus PreapprovalStatus
	}{
		{name: "used up", start: PreapprovalApproved, remote: details("ACTIVE", true, 1, 1), wantStatus: PreapprovalUsed},
		{name: "approved", start: PreapprovalReturned, remote: details("ACTIVE", true, 0, 1), wantStatus: PreapprovalApproved},
		{name: "not yet approved", start: PreapprovalReturned, remote: details("ACTIVE", false, 0, 1), wantStatus: PreapprovalCreated},
		{name: "canceled", start: PreapprovalCreated, remote: details("CANCELED", false, 0, 1), wantStatus: PreapprovalCanceled},
		{name: "unknown", start: PreapprovalCreated, remote: details("DEACTIVED", false, 0, 1), wantStatus: PreapprovalCreated},
		{name: "not polled when used", start: PreapprovalUsed, remote: details("CANCELED", false, 0, 1), wantStatus: PreapprovalUsed},
		{name: "not polled when errored", start: PreapprovalError, remote: details("ACTIVE", true, 0, 1), wantStatus: PreapprovalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.provider.preDetails = tt.remote
			p := f.seedPreapproval(t, money.MustParse("5", "USD"), tt.start)

			got, err := f.svc.UpdatePreapproval(context.Background(), p.ID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Status != tt.wantStatus {
				t.Fatalf("expected %s, got %s", tt.wantStatus, got.Status)
			}
		})
	}

	f := newFixture(t)
	p := f.seedPreapproval(t, money.MustParse("5", "USD"), PreapprovalNew)
	if _, err := f.svc.UpdatePreapproval(context.Background(), p.ID); !errors.Is(err, ErrUnprocessedPreapproval) {
		t.Fatalf("expected ErrUnprocessedPreapproval, got %v", err)
	}
}

func TestUpdatePaymentProviderError(t *testing.T) {
	f := newFixture(t)
	f.provider.detailsErr = errors.New("timeout")
	p := f.seedPayment(t, money.MustParse("5", "USD"), PaymentCreated)

	if _, err := f.svc.UpdatePayment(context.Background(), p.ID); err == nil {
		t.Fatalf("expected error")
	}
	got, _ := f.svc.GetPayment(context.Background(), p.ID)
	if got.Status != PaymentCreated {
		t.Fatalf("expected status to be unchanged, got %s", got.Status)
	}
}

func TestCreateRejectsAmountsPayPalWouldRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	subCent := money.Money{Amount: decimal.RequireFromString("100.005"), Currency: "USD"}
	if _, err := f.svc.CreatePayment(ctx, subCent); !errors.Is(err, money.ErrPrecision) {
		t.Fatalf("expected ErrPrecision, got %v", err)
	}
	fractionalYen := money.Money{Amount: decimal.RequireFromString("1500.5"), Currency: "JPY"}
	if _, err := f.svc.CreatePreapproval(ctx, fractionalYen, time.Time{}); !errors.Is(err, money.ErrPrecision) {
		t.Fatalf("expected ErrPrecision, got %v", err)
	}

	// An amount PayPal sends back unchanged reconciles.
	f.provider.payResp = &paypal.PayResponse{PayKey: "AP-1", PaymentExecStatus: paypal.ExecCreated}
	p, err := f.svc.CreatePayment(ctx, money.MustParse("100.010", "USD"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok, err := f.svc.ProcessPayment(ctx, p, ProcessPaymentOptions{Receivers: sellerReceivers("100.01")}); err != nil || !ok {
		t.Fatalf("expected payment to be created, got %v %v", ok, err)
	}
	if got := f.provider.payRequests[0].Amount.AmountString(); got != "100.01" {
		t.Fatalf("expected %q, got %q", "100.01", got)
	}
	if err := f.svc.HandleNotification(ctx, p.ID, p.Secret, payNotification("USD 100.01", ipn.StatusCompleted, "TX-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, _ := f.svc.GetPayment(ctx, p.ID)
	if stored.Status != PaymentCompleted {
		t.Fatalf("expected completed, got %s %q", stored.Status, stored.StatusDetail)
	}
}

func TestRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := f.seedPayment(t, money.MustParse("5", "USD"), PaymentCreated)
	_, err := f.svc.Refund(ctx, pending.ID)
	if !errors.Is(err, ErrRefundNotCompleted) {
		t.Fatalf("expected ErrRefundNotCompleted, got %v", err)
	}
	if f.provider.callCount(paypal.OpRefund) != 0 {
		t.Fatalf("expected PayPal not to be called")
	}

	done := f.seedPayment(t, money.MustParse("5", "USD"), PaymentCompleted)
	refund, err := f.svc.Refund(ctx, done.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if refund.PaymentID != done.ID || !refund.Money.Equal(done.Money) || refund.DebugResponse != string(stubExchange.Response) {
		t.Fatalf("unexpected refund %+v", refund)
	}
	got, _ := f.svc.GetPayment(ctx, done.ID)
	if got.Status != PaymentRefunded {
		t.Fatalf("expected refunded, got %s", got.Status)
	}
	stored, err := f.svc.GetRefund(ctx, done.ID)
	if err != nil || stored.ID != refund.ID {
		t.Fatalf("expected stored refund, got %v %v", stored, err)
	}

	if _, err := f.svc.Refund(ctx, done.ID); !errors.Is(err, ErrRefundNotCompleted) {
		t.Fatalf("expected second refund to be rejected, got %v", err)
	}
}

func TestRefundCallsPayPalOnce(t *testing.T) {
	f := newFixture(t)
	p := f.seedPayment(t, money.MustParse("5", "USD"), PaymentCompleted)

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	f.provider.refundHook = func() {
		entered <- struct{}{}
		<-release
	}

	errs := make(chan error, 2)
	refund := func() {
		_, err := f.svc.Refund(context.Background(), p.ID)
		errs <- err
	}
	go refund()
	<-entered
	go refund()
	time.Sleep(20 * time.Millisecond)
	close(release)

	var succeeded, rejected int
	for i := 0; i < 2; i++ {
		err := <-errs
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrRefundNotCompleted):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || rejected != 1 {
		t.Fatalf("expected one refund and one rejection, got %d and %d", succeeded, rejected)
	}
	if n := f.provider.callCount(paypal.OpRefund); n != 1 {
		t.Fatalf("expected 1 PayPal refund call, got %d", n)
	}
}

func TestRefundProviderError(t *testing.T) {
	f := newFixture(t)
	f.provider.refundErr = &paypal.RefundError{APIError: paypal.APIError{Message: "already refunded"}}
	p := f.seedPayment(t, money.MustParse("5", "USD"), PaymentCompleted)

	_, err := f.svc.Refund(context.Background(), p.ID)
	var refundErr *paypal.RefundError
	if !errors.As(err, &refundErr) {
		t.Fatalf("expected RefundError, got %v", err)
	}
	got, _ := f.svc.GetPayment(context.Background(), p.ID)
	if got.Status != PaymentCompleted {
		t.Fatalf("expected payment to stay completed, got %s", got.Status)
	}
}

func TestProcessPreapproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.preResp = &paypal.PreapprovalResponse{PreapprovalKey: "PA-1"}

	p, err := f.svc.CreatePreapproval(ctx, money.MustParse("2000", "SEK"), time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d := p.ValidUntil.Sub(p.CreatedAt); d != DefaultPreapprovalValidity {
		t.Fatalf("expected 90 day validity, got %v", d)
	}

	ok, err := f.svc.ProcessPreapproval(ctx, p, ProcessPreapprovalOptions{Next: "/orders/7?x=1"})
	if err != nil || !ok {
		t.Fatalf("expected preapproval to be processed, got %v %v", ok, err)
	}
	if p.Status != PreapprovalCreated || p.PreapprovalKey != "PA-1" {
		t.Fatalf("unexpected preapproval %+v", p)
	}

	req := f.provider.preRequests[0]
	wantReturn := "https://shop.example/paypal/return/pre/1/" + p.Secret + "/?next=%2Forders%2F7%3Fx%3D1"
	if req.ReturnURL != wantReturn {
		t.Fatalf("expected %q, got %q", wantReturn, req.ReturnURL)
	}
	if req.CancelURL != "https://shop.example/paypal/cancel/pre/1/" {
		t.Fatalf("unexpected cancel url %q", req.CancelURL)
	}
	if !req.StartingDate.Equal(p.CreatedAt) || !req.EndingDate.Equal(p.ValidUntil) {
		t.Fatalf("expected dates from the preapproval")
	}
	if req.PinType != paypal.PinNotRequired || req.MaxPayments != 1 || req.MaxPaymentsPerPeriod != 1 {
		t.Fatalf("unexpected request limits %+v", req)
	}
	if len(f.scheduler.calls) != 1 || f.scheduler.calls[0].kind != "preapproval" {
		t.Fatalf("expected a delayed preapproval update, got %+v", f.scheduler.calls)
	}
	if got := f.svc.PreapprovalNextURL(p); !strings.HasSuffix(got, "preapprovalkey=PA-1") {
		t.Fatalf("unexpected next url %q", got)
	}
}

func TestProcessPreapprovalFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.preErr = &paypal.PreapproveError{APIError: paypal.APIError{Message: "unknown"}}

	p, _ := f.svc.CreatePreapproval(context.Background(), money.MustParse("1", "USD"), time.Time{})
	ok, err := f.svc.ProcessPreapproval(context.Background(), p, ProcessPreapprovalOptions{})
	if ok || err != nil {
		t.Fatalf("expected false, nil; got %v %v", ok, err)
	}
	if p.Status != PreapprovalError || p.StatusDetail != "unknown" || p.DebugRequest == "" {
		t.Fatalf("unexpected preapproval %+v", p)
	}
}

func TestCancelAndMarkUsed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.seedPreapproval(t, money.MustParse("5", "USD"), PreapprovalApproved)
	got, err := f.svc.CancelPreapproval(ctx, p.ID)
	if err != nil || got.Status != PreapprovalCanceled {
		t.Fatalf("expected canceled, got %v %v", got, err)
	}
	if f.provider.callCount(paypal.OpCancelPreapproval) != 1 {
		t.Fatalf("expected CancelPreapproval to be called")
	}

	other := f.seedPreapproval(t, money.MustParse("5", "USD"), PreapprovalApproved)
	got, err = f.svc.MarkPreapprovalUsed(ctx, other.ID)
	if err != nil || got.Status != PreapprovalUsed {
		t.Fatalf("expected used, got %v %v", got, err)
	}

	if got, err = f.svc.MarkPreapprovalUsed(ctx, other.ID); err != nil || got.Status != PreapprovalUsed {
		t.Fatalf("expected marking used twice to be a no-op, got %v %v", got, err)
	}

	fresh := f.seedPreapproval(t, money.MustParse("5", "USD"), PreapprovalNew)
	if _, err := f.svc.CancelPreapproval(ctx, fresh.ID); !errors.Is(err, ErrUnprocessedPreapproval) {
		t.Fatalf("expected ErrUnprocessedPreapproval, got %v", err)
	}

	for _, id := range []int64{p.ID, fresh.ID} {
		if _, err := f.svc.MarkPreapprovalUsed(ctx, id); !errors.Is(err, ErrPreapprovalNotApproved) {
			t.Fatalf("preapproval %d: expected ErrPreapprovalNotApproved, got %v", id, err)
		}
	}
	if stored, _ := f.svc.GetPreapproval(ctx, p.ID); stored.Status != PreapprovalCanceled {
		t.Fatalf("expected canceled to stay final, got %s", stored.Status)
	}

	types := f.publisher.types()
	if len(types) != 2 || types[0] != events.EventPreapprovalCanceled || types[1] != events.EventPreapprovalUsed {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestCreateRejectsNonPositiveAmounts(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.CreatePayment(context.Background(), money.MustParse("0", "USD")); err == nil {
		t.Fatalf("expected error for zero payment")
	}
	if _, err := f.svc.CreatePreapproval(context.Background(), money.MustParse("-1", "USD"), time.Time{}); err == nil {
		t.Fatalf("expected error for negative preapproval")
	}
}
