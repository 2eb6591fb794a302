package clob

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/lingreerjr-eng/polybot-ws/internal/trading"
)

const (
	tokenUp   = "1001"
	tokenDown = "1002"
)

func TestDecimalString_Unmarshal(t *testing.T) {
	cases := map[string]string{
		`{"v":0.01}`:     "0.01",
		`{"v":"0.0100"}`: "0.01",
		`{"v":".5"}`:     "0.5",
		`{"v":"10.000"}`: "10",
		`{"v":null}`:     "",
	}
	for in, want := range cases {
		var got struct {
			V decimalString `json:"v"`
		}
		if err := json.Unmarshal([]byte(in), &got); err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if string(got.V) != want {
			t.Fatalf("%s: got %q want %q", in, got.V, want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		in   BatchOrderResult
		want Result
	}{
		{"matched", BatchOrderResult{Success: true, Status: "matched", OrderID: "0x1"}, ResultFilled},
		{"mined", BatchOrderResult{Success: true, Status: "MINED"}, ResultFilled},
		{"killed fok", BatchOrderResult{Success: true, ErrorMsg: "order couldn't be fully filled. FOK orders are fully filled or killed."}, ResultCancelled},
		{"rejected", BatchOrderResult{Success: false, OrderID: "0x1"}, ResultCancelled},
		{"delayed", BatchOrderResult{Success: true, Status: "delayed", OrderID: "0x1"}, ResultUnknown},
		{"unmatched", BatchOrderResult{Success: true, Status: "unmatched"}, ResultUnknown},
		{"id without status", BatchOrderResult{Success: true, OrderID: "0x1"}, ResultUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.in); got != tc.want {
				t.Fatalf("got %d want %d", got, tc.want)
			}
		})
	}
}

func TestClassifyOrder(t *testing.T) {
	cases := []struct {
		info *OrderInfo
		want Result
	}{
		{&OrderInfo{Status: "MATCHED"}, ResultFilled},
		{&OrderInfo{Status: "CANCELED", SizeMatched: "3"}, ResultFilled},
		{&OrderInfo{Status: "CANCELED"}, ResultCancelled},
		{&OrderInfo{Status: "LIVE"}, ResultUnknown},
		{nil, ResultUnknown},
	}
	for i, tc := range cases {
		if got := ClassifyOrder(tc.info); got != tc.want {
			t.Fatalf("case %d: got %d want %d", i, got, tc.want)
		}
	}
}

func TestOrderBookSummary_Top(t *testing.T) {
	book := OrderBookSummary{
		Bids: []OrderSummary{{Price: "0.38", Size: "10"}, {Price: "0.40", Size: "5"}, {Price: "0.41", Size: "0"}},
		Asks: []OrderSummary{{Price: "0.47", Size: "10"}, {Price: "0.44", Size: "7"}},
	}
	tob, err := book.Top(time.Now())
	if err != nil {
		t.Fatalf("Top: %v", err)
	}
	if tob.Bid == nil || tob.Bid.Price.String() != "0.4" {
		t.Fatalf("bid = %+v", tob.Bid)
	}
	if tob.Ask == nil || tob.Ask.Price.String() != "0.44" || tob.Ask.Size.String() != "7" {
		t.Fatalf("ask = %+v", tob.Ask)
	}

	empty, err := (&OrderBookSummary{}).Top(time.Now())
	if err != nil || empty.Bid != nil || empty.Ask != nil {
		t.Fatalf("empty book: %+v %v", empty, err)
	}
}

// fakeCLOB serves the metadata endpoints and records POST /orders bodies.
type fakeCLOB struct {
	mu         sync.Mutex
	batches    [][]orderPayload
	l2Headers  []http.Header
	answers    [][]BatchOrderResult
	orderInfo  map[string]OrderInfo
	tickSize   string
	metaCalls  int
	postStatus int
}

func (f *fakeCLOB) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/tick-size":
			f.metaCalls++
			_, _ = io.WriteString(w, `{"minimum_tick_size":"`+f.tickSize+`"}`)
		case r.URL.Path == "/fee-rate":
			f.metaCalls++
			_, _ = io.WriteString(w, `{"base_fee":0}`)
		case r.URL.Path == "/neg-risk":
			f.metaCalls++
			_, _ = io.WriteString(w, `{"neg_risk":false}`)
		case r.URL.Path == "/book":
			_, _ = io.WriteString(w, `{"asset_id":"`+r.URL.Query().Get("token_id")+`","tick_size":"0.01","bids":[{"price":"0.40","size":"20"}],"asks":[{"price":"0.45","size":"20"}]}`)
		case r.URL.Path == "/orders" && r.Method == http.MethodPost:
			if f.postStatus != 0 {
				http.Error(w, `{"error":"boom"}`, f.postStatus)
				return
			}
			var batch []orderPayload
			if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
				t.Errorf("decode batch: %v", err)
			}
			f.batches = append(f.batches, batch)
			f.l2Headers = append(f.l2Headers, r.Header.Clone())
			ans := make([]BatchOrderResult, len(batch))
			if len(f.answers) > 0 {
				ans = f.answers[0]
				f.answers = f.answers[1:]
			} else {
				for i := range ans {
					ans[i] = BatchOrderResult{Success: true, Status: "matched", OrderID: "0xok"}
				}
			}
			_ = json.NewEncoder(w).Encode(ans)
		case strings.HasPrefix(r.URL.Path, "/data/order/"):
			id := strings.TrimPrefix(r.URL.Path, "/data/order/")
			info, ok := f.orderInfo[id]
			if !ok {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"order": info})
		default:
			http.NotFound(w, r)
		}
	})
}

func newTestClient(t *testing.T, f *fakeCLOB) *Client {
	t.Helper()
	if f.tickSize == "" {
		f.tickSize = "0.01"
	}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	pk, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewClient(srv.URL, pk, common.Address{}, SignatureEOA)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.SetApiCreds(ApiKeyCreds{Key: "key", Secret: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=", Passphrase: "pp"})
	return c
}

func TestNewClient_Validates(t *testing.T) {
	pk, _ := crypto.GenerateKey()
	if _, err := NewClient("ftp://x", pk, common.Address{}, 0); err == nil {
		t.Fatal("expected host error")
	}
	if _, err := NewClient("", nil, common.Address{}, 0); err == nil {
		t.Fatal("expected key error")
	}
	if _, err := NewClient("", pk, common.Address{}, 3); err == nil {
		t.Fatal("expected signature type error")
	}
	c, err := NewClient("", pk, common.Address{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if c.FunderAddress() != c.SignerAddress() {
		t.Fatal("zero funder should default to signer")
	}
}

func TestGetTickSize_Caches(t *testing.T) {
	f := &fakeCLOB{tickSize: "0.001"}
	c := newTestClient(t, f)
	for i := 0; i < 3; i++ {
		ts, err := c.GetTickSize(context.Background(), tokenUp)
		if err != nil {
			t.Fatalf("GetTickSize: %v", err)
		}
		if ts != "0.001" {
			t.Fatalf("tick = %q", ts)
		}
	}
	if f.metaCalls != 1 {
		t.Fatalf("expected one lookup, got %d", f.metaCalls)
	}
}

func TestPostOrders_Errors(t *testing.T) {
	f := &fakeCLOB{postStatus: http.StatusBadRequest}
	c := newTestClient(t, f)
	ctx := context.Background()

	so, err := c.BuildSignedOrder(ctx, OrderRequest{TokenID: tokenUp, Side: SideBuy, Price: dec("0.5"), Size: dec("10"), Type: OrderTypeFOK}, func() int64 { return 7 })
	if err != nil {
		t.Fatalf("BuildSignedOrder: %v", err)
	}

	_, err = c.PostOrders(ctx, []PostOrder{{Order: so, Type: OrderTypeFOK}})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusBadRequest {
		t.Fatalf("expected HTTPError 400, got %v", err)
	}

	too := make([]PostOrder, MaxBatchOrders+1)
	if _, err := c.PostOrders(ctx, too); !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}

	pk, _ := crypto.GenerateKey()
	bare, _ := NewClient(c.host, pk, common.Address{}, 0)
	if _, err := bare.PostOrders(ctx, []PostOrder{{Order: so, Type: OrderTypeFOK}}); !errors.Is(err, ErrAPICredsMissing) {
		t.Fatalf("expected ErrAPICredsMissing, got %v", err)
	}
}

func TestVenue_SubmitPairBatch(t *testing.T) {
	f := &fakeCLOB{answers: [][]BatchOrderResult{{
		{Success: true, Status: "matched", OrderID: "0xa", TakingAmount: "10"},
		{Success: true, ErrorMsg: "order couldn't be fully filled. FOK orders are fully filled or killed.", OrderID: "0xb"},
	}}}
	c := newTestClient(t, f)
	v, err := NewVenue(c)
	if err != nil {
		t.Fatal(err)
	}

	a, err := v.BuildOrder(tokenUp, trading.Buy, dec("0.42"), dec("10"), trading.FillOrKill)
	if err != nil {
		t.Fatalf("BuildOrder: %v", err)
	}
	b, err := v.BuildOrder(tokenDown, trading.Buy, dec("0.55"), dec("10"), trading.FillOrKill)
	if err != nil {
		t.Fatalf("BuildOrder: %v", err)
	}
	legs, err := v.Submit(context.Background(), []trading.OrderIntent{a, b})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(legs) != 2 {
		t.Fatalf("legs = %d", len(legs))
	}
	if !legs[0].Filled() || legs[0].FilledSize.String() != "10" || legs[0].OrderID != "0xa" {
		t.Fatalf("leg A = %+v", legs[0])
	}
	if !legs[1].Cancelled() || legs[1].Err == "" {
		t.Fatalf("leg B = %+v", legs[1])
	}

	if len(f.batches) != 1 || len(f.batches[0]) != 2 {
		t.Fatalf("expected one batch of two, got %#v", f.batches)
	}
	p := f.batches[0][0]
	if p.OrderType != OrderTypeFOK || p.Owner != "key" || p.Order.Side != SideBuy || p.Order.TokenID != tokenUp {
		t.Fatalf("payload = %+v", p)
	}
	if p.Order.MakerAmount != "4200000" || p.Order.TakerAmount != "10000000" {
		t.Fatalf("amounts maker=%s taker=%s", p.Order.MakerAmount, p.Order.TakerAmount)
	}
	if !strings.HasPrefix(p.Order.Signature, "0x") || p.Order.Salt == f.batches[0][1].Order.Salt {
		t.Fatalf("signature/salt not populated: %+v", p.Order)
	}
	h := f.l2Headers[0]
	for _, k := range []string{"POLY_ADDRESS", "POLY_SIGNATURE", "POLY_TIMESTAMP", "POLY_API_KEY", "POLY_PASSPHRASE"} {
		if h.Get(k) == "" {
			t.Fatalf("missing header %s", k)
		}
	}
}

func TestVenue_UnwindUsesFAK(t *testing.T) {
	f := &fakeCLOB{}
	c := newTestClient(t, f)
	v, _ := NewVenue(c)

	o, err := v.BuildOrder(tokenUp, trading.Sell, dec("0.40"), dec("10"), trading.ImmediateOrCancel)
	if err != nil {
		t.Fatalf("BuildOrder: %v", err)
	}
	signed, err := v.Sign(context.Background(), o)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := v.SubmitSigned(context.Background(), []trading.SignedOrder{signed}); err != nil {
		t.Fatalf("SubmitSigned: %v", err)
	}
	p := f.batches[0][0]
	if p.OrderType != OrderTypeFAK || p.Order.Side != SideSell {
		t.Fatalf("payload = %+v", p)
	}
	if p.Order.MakerAmount != "10000000" || p.Order.TakerAmount != "4000000" {
		t.Fatalf("amounts maker=%s taker=%s", p.Order.MakerAmount, p.Order.TakerAmount)
	}
}

func TestVenue_BuildOrderRejectsOffTickOnceKnown(t *testing.T) {
	f := &fakeCLOB{}
	c := newTestClient(t, f)
	v, _ := NewVenue(c)

	if _, err := v.BuildOrder(tokenUp, trading.Buy, dec("0.425"), dec("10"), trading.FillOrKill); err != nil {
		t.Fatalf("tick unknown yet, expected pass: %v", err)
	}
	if _, err := c.GetTickSize(context.Background(), tokenUp); err != nil {
		t.Fatal(err)
	}
	if _, err := v.BuildOrder(tokenUp, trading.Buy, dec("0.425"), dec("10"), trading.FillOrKill); err == nil {
		t.Fatal("expected off-tick error")
	}
	if _, err := v.BuildOrder(tokenUp, trading.Buy, dec("1.2"), dec("10"), trading.FillOrKill); err == nil {
		t.Fatal("expected range error")
	}
}

func TestVenue_SubmitSignedRejectsForeignPayload(t *testing.T) {
	v, _ := NewVenue(newTestClient(t, &fakeCLOB{}))
	_, err := v.SubmitSigned(context.Background(), []trading.SignedOrder{{Payload: "nope"}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestVenue_ReconcileUnknown(t *testing.T) {
	f := &fakeCLOB{
		answers: [][]BatchOrderResult{{
			{Success: true, Status: "delayed", OrderID: "0xd1"},
			{Success: true, Status: "delayed", OrderID: "0xd2"},
		}},
		orderInfo: map[string]OrderInfo{
			"0xd1": {ID: "0xd1", Status: "MATCHED", SizeMatched: "10"},
			"0xd2": {ID: "0xd2", Status: "CANCELED"},
		},
	}
	c := newTestClient(t, f)
	v, _ := NewVenue(c, WithReconcile(time.Millisecond))

	a, _ := v.BuildOrder(tokenUp, trading.Buy, dec("0.42"), dec("10"), trading.FillOrKill)
	b, _ := v.BuildOrder(tokenDown, trading.Buy, dec("0.55"), dec("10"), trading.FillOrKill)
	legs, err := v.Submit(context.Background(), []trading.OrderIntent{a, b})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !legs[0].Filled() || legs[0].FilledSize.String() != "10" {
		t.Fatalf("leg A = %+v", legs[0])
	}
	if !legs[1].Cancelled() {
		t.Fatalf("leg B = %+v", legs[1])
	}
}

func TestVenue_ReconcileOutlivesSubmitDeadline(t *testing.T) {
	f := &fakeCLOB{
		answers: [][]BatchOrderResult{{
			{Success: true, Status: "delayed", OrderID: "0xd1"},
			{Success: true, Status: "delayed", OrderID: "0xd2"},
		}},
		orderInfo: map[string]OrderInfo{
			"0xd1": {ID: "0xd1", Status: "MATCHED", SizeMatched: "10"},
			"0xd2": {ID: "0xd2", Status: "CANCELED"},
		},
	}
	c := newTestClient(t, f)
	v, _ := NewVenue(c, WithReconcile(300*time.Millisecond))

	a, _ := v.BuildOrder(tokenUp, trading.Buy, dec("0.42"), dec("10"), trading.FillOrKill)
	b, _ := v.BuildOrder(tokenDown, trading.Buy, dec("0.55"), dec("10"), trading.FillOrKill)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	legs, err := v.Submit(ctx, []trading.OrderIntent{a, b})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !legs[0].Filled() || legs[0].FilledSize.String() != "10" {
		t.Fatalf("leg A = %+v", legs[0])
	}
	if !legs[1].Cancelled() {
		t.Fatalf("leg B = %+v", legs[1])
	}
}

func TestVenue_UnknownWithoutReconcile(t *testing.T) {
	f := &fakeCLOB{answers: [][]BatchOrderResult{{{Success: true, Status: "delayed", OrderID: "0xd"}}}}
	v, _ := NewVenue(newTestClient(t, f))
	o, _ := v.BuildOrder(tokenUp, trading.Buy, dec("0.42"), dec("10"), trading.FillOrKill)
	legs, err := v.Submit(context.Background(), []trading.OrderIntent{o})
	if err != nil {
		t.Fatal(err)
	}
	if legs[0].Status != trading.StatusUnknown {
		t.Fatalf("status = %s", legs[0].Status)
	}
}

func TestTopOfBook_CachesTickSize(t *testing.T) {
	f := &fakeCLOB{tickSize: "0.001"}
	c := newTestClient(t, f)
	tob, err := c.TopOfBook(context.Background(), tokenUp)
	if err != nil {
		t.Fatalf("TopOfBook: %v", err)
	}
	if tob.Bid.Price.String() != "0.4" || tob.Ask.Price.String() != "0.45" {
		t.Fatalf("tob = %+v %+v", tob.Bid, tob.Ask)
	}
	ts, _ := c.GetTickSize(context.Background(), tokenUp)
	if ts != "0.01" || f.metaCalls != 0 {
		t.Fatalf("book tick size should be cached, got %q calls=%d", ts, f.metaCalls)
	}
}

func TestEnsureApiCreds_FallsBackToCreate(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		if r.Header.Get("POLY_SIGNATURE") == "" || r.Header.Get("POLY_NONCE") != "0" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/auth/derive-api-key":
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		case "/auth/api-key":
			_, _ = io.WriteString(w, `{"apiKey":"k","secret":"s","passphrase":"p"}`)
		}
	}))
	defer srv.Close()

	pk, _ := crypto.GenerateKey()
	c, err := NewClient(srv.URL, pk, common.Address{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	creds, err := c.EnsureApiCreds(context.Background(), 0)
	if err != nil {
		t.Fatalf("EnsureApiCreds: %v", err)
	}
	if creds.Key != "k" || !c.HasApiCreds() {
		t.Fatalf("creds = %+v", creds)
	}
	if len(calls) != 2 || calls[0] != "GET /auth/derive-api-key" || calls[1] != "POST /auth/api-key" {
		t.Fatalf("calls = %v", calls)
	}
}
