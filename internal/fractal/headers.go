package fractal

import (
	"math/rand/v2"
	"net/http"
)

const (
	headerAccept         = "application/json, text/plain, */*"
	headerAcceptLanguage = "en-US,en;q=0.9"
	headerContentType    = "application/json"
	headerAllowedState   = "na"
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:123.0) Gecko/20100101 Firefox/123.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_3) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.3 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36 Edg/122.0.0.0",
}

// randomUserAgent 为每个客户端实例挑选一次 User-Agent。
func randomUserAgent() string {
	return userAgents[rand.IntN(len(userAgents))]
}

// buildHeaders 构造固定的请求头，token 非空时附加 Bearer 凭证。
func buildHeaders(userAgent, token string) http.Header {
	h := make(http.Header, 6)
	h.Set("Accept", headerAccept)
	h.Set("Accept-Language", headerAcceptLanguage)
	h.Set("Content-Type", headerContentType)
	h.Set("Allowed-State", headerAllowedState)
	h.Set("User-Agent", userAgent)
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
