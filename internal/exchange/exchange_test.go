package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testOptions(baseURL string) Options {
	return Options{
		BaseURL:           baseURL,
		Timeout:           time.Second,
		UserAgent:         "fundingwatch-test",
		DetailConcurrency: 4,
	}
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("解析 decimal 失败: %v", err)
	}
	return d
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestBybitScalesAndSkipsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/tickers" || r.URL.Query().Get("category") != "linear" {
			t.Fatalf("请求路径不正确: %s", r.URL.String())
		}
		if r.Header.Get("User-Agent") != "fundingwatch-test" {
			t.Fatalf("User-Agent 不正确: %s", r.Header.Get("User-Agent"))
		}
		writeJSON(w, map[string]any{
			"retCode": 0,
			"result": map[string]any{"list": []map[string]any{
				{"symbol": "BTCUSDT", "fundingRate": "0.0001"},
				{"symbol": 42, "fundingRate": "0.0003"},
				{"symbol": "ETHUSDT", "fundingRate": "abc"},
				{"symbol": "SOLUSDT", "fundingRate": ""},
				{"symbol": "BTCPERP", "fundingRate": "0.0002"},
				{"symbol": "DOGEUSDT", "fundingRate": "-0.00025"},
			}},
		})
	}))
	defer srv.Close()

	rates, err := NewBybit(testOptions(srv.URL), zerolog.Nop()).FetchRates(context.Background())
	if err != nil {
		t.Fatalf("FetchRates 不应报错: %v", err)
	}
	if len(rates) != 2 {
		t.Fatalf("应只保留 2 条有效记录, 实际 %v", rates)
	}
	if !rates["BTCUSDT"].Equal(mustDecimal(t, "0.01")) {
		t.Fatalf("0.0001 应换算为 0.01%%, 实际 %s", rates["BTCUSDT"])
	}
	if !rates["DOGEUSDT"].Equal(mustDecimal(t, "-0.025")) {
		t.Fatalf("负费率换算不正确: %s", rates["DOGEUSDT"])
	}
}

func TestListFailureReturnsEmptyMap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]string{"msg": "maintenance"})
	}))
	defer srv.Close()

	for _, name := range Names {
		adapter, err := New(name, testOptions(srv.URL), zerolog.Nop())
		if err != nil {
			t.Fatalf("构造 %s 失败: %v", name, err)
		}
		rates, err := adapter.FetchRates(context.Background())
		if err == nil {
			t.Fatalf("%s: HTTP 503 应返回错误", name)
		}
		if len(rates) != 0 {
			t.Fatalf("%s: 失败时应返回空 map, 实际 %v", name, rates)
		}
	}
}

func TestOKXPartialDetailFailure(t *testing.T) {
	var detailCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v5/public/instruments":
			writeJSON(w, map[string]any{"code": "0", "data": []map[string]string{
				{"instId": "BTC-USDT-SWAP"},
				{"instId": "ETH-USDT-SWAP"},
				{"instId": "BTC-USD-SWAP"},
			}})
		case "/api/v5/public/funding-rate":
			atomic.AddInt32(&detailCalls, 1)
			switch r.URL.Query().Get("instId") {
			case "BTC-USDT-SWAP":
				writeJSON(w, map[string]any{"code": "0", "data": []map[string]string{
					{"instId": "BTC-USDT-SWAP", "fundingRate": "0.0001"},
				}})
			default:
				w.WriteHeader(http.StatusInternalServerError)
			}
		default:
			t.Fatalf("未预期的路径: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	opts := testOptions(srv.URL)
	opts.DetailRatePerSecond = 1000
	rates, err := NewOKX(opts, zerolog.Nop()).FetchRates(context.Background())
	if err != nil {
		t.Fatalf("单个明细失败不应导致整体失败: %v", err)
	}
	if len(rates) != 1 || !rates["BTCUSDT"].Equal(mustDecimal(t, "0.01")) {
		t.Fatalf("应只返回 BTCUSDT, 实际 %v", rates)
	}
	if got := atomic.LoadInt32(&detailCalls); got != 2 {
		t.Fatalf("只应查询 USDT 合约, 实际调用 %d 次", got)
	}
}

func TestOKXEnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"code": "50011", "msg": "rate limited", "data": []any{}})
	}))
	defer srv.Close()

	rates, err := NewOKX(testOptions(srv.URL), zerolog.Nop()).FetchRates(context.Background())
	if err == nil || len(rates) != 0 {
		t.Fatalf("非成功 code 应返回错误和空 map: %v %v", rates, err)
	}
}

func TestKuCoinListThenDetail(t *testing.T) {
	var detailCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/contracts/active":
			_, _ = w.Write([]byte(`{"code":"200000","data":[
				{"symbol":"XBTUSDTM","quoteCurrency":"USDT","status":"Open"},
				{"symbol":"ETHUSDTM","quoteCurrency":"USDT","status":"Paused"},
				{"symbol":"XBTUSDM","quoteCurrency":"USD","status":"Open"},
				{"symbol":"SOLUSDTM","quoteCurrency":"USDT","status":"Open"}
			]}`))
		case "/api/v1/funding-rate/XBTUSDTM/current":
			atomic.AddInt32(&detailCalls, 1)
			_, _ = w.Write([]byte(`{"code":"200000","data":{"symbol":".XBTUSDTMFPI8H","granularity":28800000,"timePoint":1700000000000,"value":0.0003}}`))
		case "/api/v1/funding-rate/SOLUSDTM/current":
			atomic.AddInt32(&detailCalls, 1)
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"code":"500000","msg":"internal error"}`))
		default:
			t.Errorf("未预期的路径: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	rates, err := NewKuCoin(testOptions(srv.URL), zerolog.Nop()).FetchRates(context.Background())
	if err != nil {
		t.Fatalf("FetchRates 不应报错: %v", err)
	}
	if len(rates) != 1 || !rates["BTCUSDT"].Equal(mustDecimal(t, "0.03")) {
		t.Fatalf("XBTUSDTM 应归一为 BTCUSDT 且为 0.03%%, 实际 %v", rates)
	}
	if got := atomic.LoadInt32(&detailCalls); got != 2 {
		t.Fatalf("只应查询开放的 USDT 合约, 实际 %d 次", got)
	}
}

func TestKuCoinListFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rates, err := NewKuCoin(testOptions(srv.URL), zerolog.Nop()).FetchRates(context.Background())
	if err == nil || len(rates) != 0 {
		t.Fatalf("合约列表失败应返回错误和空 map: %v %v", rates, err)
	}
}

func TestMEXCNumericRates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"code":0,"data":[{"symbol":"BTC_USDT","fundingRate":0.0001},{"symbol":"ETH_USDT","fundingRate":null},{"symbol":"BTC_USD","fundingRate":0.0001}]}`))
	}))
	defer srv.Close()

	rates, err := NewMEXC(testOptions(srv.URL), zerolog.Nop()).FetchRates(context.Background())
	if err != nil {
		t.Fatalf("FetchRates 不应报错: %v", err)
	}
	if len(rates) != 1 || !rates["BTCUSDT"].Equal(mustDecimal(t, "0.01")) {
		t.Fatalf("MEXC 结果不正确: %v", rates)
	}
}

func TestMEXCUnsuccessful(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"code":510,"message":"busy"}`))
	}))
	defer srv.Close()

	if _, err := NewMEXC(testOptions(srv.URL), zerolog.Nop()).FetchRates(context.Background()); err == nil {
		t.Fatal("success=false 应报错")
	}
}

func TestGateAndBitget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v4/futures/usdt/contracts":
			writeJSON(w, []map[string]any{
				{"name": "BTC_USDT", "funding_rate": "0.000125"},
				{"name": "ETH_USDT", "funding_rate": "bad"},
				{"name": 7, "funding_rate": "0.0001"},
			})
		case "/api/v2/mix/market/current-fund-rate":
			if r.URL.Query().Get("productType") != "USDT-FUTURES" {
				t.Fatalf("productType 不正确: %s", r.URL.RawQuery)
			}
			writeJSON(w, map[string]any{"code": "00000", "data": []any{
				map[string]string{"symbol": "ETHUSDT", "fundingRate": "0.0005"},
				map[string]any{"symbol": []string{"SOLUSDT"}, "fundingRate": "0.0001"},
				"garbage",
			}})
		default:
			t.Fatalf("未预期的路径: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	gate, err := NewGate(testOptions(srv.URL), zerolog.Nop()).FetchRates(context.Background())
	if err != nil || len(gate) != 1 || !gate["BTCUSDT"].Equal(mustDecimal(t, "0.0125")) {
		t.Fatalf("Gate 结果不正确: %v %v", gate, err)
	}

	bitget, err := NewBitget(testOptions(srv.URL), zerolog.Nop()).FetchRates(context.Background())
	if err != nil || len(bitget) != 1 || !bitget["ETHUSDT"].Equal(mustDecimal(t, "0.05")) {
		t.Fatalf("Bitget 结果不正确: %v %v", bitget, err)
	}
}

func TestBinancePremiumIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/premiumIndex" {
			t.Fatalf("请求路径不正确: %s", r.URL.Path)
		}
		writeJSON(w, []map[string]any{
			{"symbol": "BTCUSDT", "markPrice": "60000", "lastFundingRate": "0.00010000", "nextFundingTime": 0, "time": 0},
			{"symbol": "ETHBTC", "markPrice": "0.05", "lastFundingRate": "0.0001", "nextFundingTime": 0, "time": 0},
		})
	}))
	defer srv.Close()

	rates, err := NewBinance(testOptions(srv.URL), zerolog.Nop()).FetchRates(context.Background())
	if err != nil {
		t.Fatalf("FetchRates 不应报错: %v", err)
	}
	if len(rates) != 1 || !rates["BTCUSDT"].Equal(mustDecimal(t, "0.01")) {
		t.Fatalf("Binance 结果不正确: %v", rates)
	}
}

func TestOKXHistoryStopsAtWindowStart(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(48 * time.Hour)
	var pages int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&pages, 1)
		if r.URL.Query().Get("instId") != "BTC-USDT-SWAP" {
			t.Fatalf("instId 不正确: %s", r.URL.RawQuery)
		}
		var start time.Time
		switch n {
		case 1:
			if r.URL.Query().Get("after") != "" {
				t.Fatal("首页不应带 after 游标")
			}
			start = to
		case 2:
			want := strconv.FormatInt(to.Add(-16*time.Hour).UnixMilli(), 10)
			if r.URL.Query().Get("after") != want {
				t.Fatalf("after 游标不正确: %s", r.URL.Query().Get("after"))
			}
			start = to.Add(-24 * time.Hour)
		default:
			start = to.Add(-48 * time.Hour)
		}
		rows := make([]map[string]string, 0, 3)
		for i := 0; i < 3; i++ {
			ts := start.Add(-time.Duration(i) * 8 * time.Hour)
			rows = append(rows, map[string]string{
				"instId":      "BTC-USDT-SWAP",
				"fundingRate": "0.0001",
				"fundingTime": strconv.FormatInt(ts.UnixMilli(), 10),
			})
		}
		writeJSON(w, map[string]any{"code": "0", "data": rows})
	}))
	defer srv.Close()

	points, err := NewOKX(testOptions(srv.URL), zerolog.Nop()).FetchHistory(context.Background(), "BTCUSDT", from, to)
	if err != nil {
		t.Fatalf("FetchHistory 不应报错: %v", err)
	}
	if got := atomic.LoadInt32(&pages); got != 3 {
		t.Fatalf("越过窗口起点后应停止翻页, 实际请求 %d 页", got)
	}
	if len(points) != 9 {
		t.Fatalf("应返回 9 个点, 实际 %d", len(points))
	}
}

func TestBitgetHistoryPageCeiling(t *testing.T) {
	now := time.Now().UTC()
	var pages int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&pages, 1)
		rows := make([]map[string]string, 0, 2)
		for i := 0; i < 2; i++ {
			rows = append(rows, map[string]string{
				"symbol":      "BTCUSDT",
				"fundingRate": "0.0001",
				"fundingTime": strconv.FormatInt(now.UnixMilli(), 10),
			})
		}
		writeJSON(w, map[string]any{"code": "00000", "data": rows})
	}))
	defer srv.Close()

	opts := testOptions(srv.URL)
	opts.HistoryMaxPages = 3
	opts.HistoryPageSize = 2
	if _, err := NewBitget(opts, zerolog.Nop()).FetchHistory(context.Background(), "BTCUSDT", now.Add(-24*time.Hour), now); err != nil {
		t.Fatalf("FetchHistory 不应报错: %v", err)
	}
	if got := atomic.LoadInt32(&pages); got != 3 {
		t.Fatalf("应在页数上限处停止, 实际 %d 页", got)
	}
}

func TestNewUnknownExchange(t *testing.T) {
	if _, err := New("ftx", Options{}, zerolog.Nop()); !errors.Is(err, ErrUnknownExchange) {
		t.Fatalf("未知交易所应返回 ErrUnknownExchange, 实际 %v", err)
	}
	if !Known(" OKX ") {
		t.Fatal("Known 应忽略大小写与空白")
	}
}

func TestBinanceHistoryQueriesWindow(t *testing.T) {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/fundingRate" {
			t.Fatalf("请求路径不正确: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("symbol") != "BTCUSDT" {
			t.Fatalf("symbol 不正确: %s", r.URL.RawQuery)
		}
		if q.Get("startTime") != strconv.FormatInt(from.UnixMilli(), 10) || q.Get("endTime") != strconv.FormatInt(to.UnixMilli(), 10) {
			t.Fatalf("时间窗口参数不正确: %s", r.URL.RawQuery)
		}
		if q.Get("limit") != "1000" {
			t.Fatalf("limit 应为 1000: %s", q.Get("limit"))
		}
		writeJSON(w, []map[string]any{
			{"symbol": "BTCUSDT", "fundingRate": "0.00010000", "fundingTime": from.Add(8 * time.Hour).UnixMilli()},
			{"symbol": "BTCUSDT", "fundingRate": "-0.00005000", "fundingTime": from.Add(16 * time.Hour).UnixMilli()},
			{"symbol": "BTCUSDT", "fundingRate": "oops", "fundingTime": from.Add(24 * time.Hour).UnixMilli()},
		})
	}))
	defer srv.Close()

	points, err := NewBinance(testOptions(srv.URL), zerolog.Nop()).FetchHistory(context.Background(), "BTCUSDT", from, to)
	if err != nil {
		t.Fatalf("FetchHistory 不应报错: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("应跳过无法解析的费率, 剩余 2 个点, 实际 %+v", points)
	}
	if !points[0].RatePct.Equal(mustDecimal(t, "0.01")) || !points[1].RatePct.Equal(mustDecimal(t, "-0.005")) {
		t.Fatalf("费率应换算为百分比: %+v", points)
	}
	if !points[0].Time.Equal(from.Add(8 * time.Hour)) {
		t.Fatalf("时间戳解析不正确: %s", points[0].Time)
	}
}

func TestBybitHistoryPagesOnEndTime(t *testing.T) {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(72 * time.Hour)
	var pages int32

	row := func(ts time.Time, rate string) map[string]string {
		return map[string]string{
			"symbol":               "BTCUSDT",
			"fundingRate":          rate,
			"fundingRateTimestamp": strconv.FormatInt(ts.UnixMilli(), 10),
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/funding/history" {
			t.Fatalf("请求路径不正确: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("category") != "linear" || q.Get("symbol") != "BTCUSDT" || q.Get("limit") != "2" {
			t.Fatalf("查询参数不正确: %s", r.URL.RawQuery)
		}
		if q.Get("startTime") != strconv.FormatInt(from.UnixMilli(), 10) {
			t.Fatalf("startTime 应固定为窗口起点: %s", q.Get("startTime"))
		}

		var list []map[string]string
		switch atomic.AddInt32(&pages, 1) {
		case 1:
			if q.Get("endTime") != strconv.FormatInt(to.UnixMilli(), 10) {
				t.Fatalf("首页 endTime 应为窗口终点: %s", q.Get("endTime"))
			}
			list = []map[string]string{row(to.Add(-time.Hour), "0.0001"), row(to.Add(-9*time.Hour), "0.0002")}
		case 2:
			want := strconv.FormatInt(to.Add(-9*time.Hour).UnixMilli()-1, 10)
			if q.Get("endTime") != want {
				t.Fatalf("第二页 endTime 应在上一页最旧点之前: %s", q.Get("endTime"))
			}
			list = []map[string]string{row(to.Add(-17*time.Hour), "0.0003")}
		default:
			t.Fatal("不足一页后不应继续翻页")
		}
		writeJSON(w, map[string]any{"retCode": 0, "retMsg": "OK", "result": map[string]any{"category": "linear", "list": list}})
	}))
	defer srv.Close()

	opts := testOptions(srv.URL)
	opts.HistoryPageSize = 2
	points, err := NewBybit(opts, zerolog.Nop()).FetchHistory(context.Background(), "BTCUSDT", from, to)
	if err != nil {
		t.Fatalf("FetchHistory 不应报错: %v", err)
	}
	if got := atomic.LoadInt32(&pages); got != 2 {
		t.Fatalf("应请求 2 页, 实际 %d", got)
	}
	if len(points) != 3 {
		t.Fatalf("应返回 3 个点, 实际 %d", len(points))
	}
	if !points[2].RatePct.Equal(mustDecimal(t, "0.03")) {
		t.Fatalf("0.0003 应换算为 0.03%%, 实际 %s", points[2].RatePct)
	}
}

func TestBybitHistoryStopsAtWindowStart(t *testing.T) {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	var pages int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&pages, 1)
		writeJSON(w, map[string]any{"retCode": 0, "result": map[string]any{"list": []map[string]string{
			{"symbol": "BTCUSDT", "fundingRate": "0.0001", "fundingRateTimestamp": strconv.FormatInt(to.UnixMilli(), 10)},
			{"symbol": "BTCUSDT", "fundingRate": "0.0001", "fundingRateTimestamp": strconv.FormatInt(from.UnixMilli(), 10)},
		}}})
	}))
	defer srv.Close()

	opts := testOptions(srv.URL)
	opts.HistoryPageSize = 2
	if _, err := NewBybit(opts, zerolog.Nop()).FetchHistory(context.Background(), "BTCUSDT", from, to); err != nil {
		t.Fatalf("FetchHistory 不应报错: %v", err)
	}
	if got := atomic.LoadInt32(&pages); got != 1 {
		t.Fatalf("已到达窗口起点应停止翻页, 实际 %d 页", got)
	}
}

func TestBybitEnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"retCode": 10006, "retMsg": "Too many visits", "result": map[string]any{}})
	}))
	defer srv.Close()

	rates, err := NewBybit(testOptions(srv.URL), zerolog.Nop()).FetchRates(context.Background())
	if err == nil || len(rates) != 0 {
		t.Fatalf("retCode 非 0 应返回错误和空 map: %v %v", rates, err)
	}
}

func TestDecodeRecordsDropsBadShapes(t *testing.T) {
	raw := []json.RawMessage{
		json.RawMessage(`{"symbol":"BTCUSDT","fundingRate":"0.0001"}`),
		json.RawMessage(`{"symbol":{"nested":true},"fundingRate":"0.0001"}`),
		json.RawMessage(`"text"`),
	}
	rows, dropped := decodeRecords[bybitTicker](raw)
	if len(rows) != 1 || dropped != 2 {
		t.Fatalf("应保留 1 条并丢弃 2 条, 实际 %d/%d", len(rows), dropped)
	}
}
