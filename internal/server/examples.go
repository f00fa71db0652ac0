package server

import (
	"encoding/json"
	"net/http"

	"kaiwa/internal/generate"
	"kaiwa/internal/identity"
)

// Example prompts shown under the input box. Ported from the original demo.
var examplePrompts = []string{
	"「キムチプリン」という新商品を考えています。この商品に対する世間の意見として想像されるものを箇条書きで3つ教えて",
	"「メタリック」から「気分上々」までが自然につながるように、あいだの単語を連想してください。",
	"自律神経や副交感神経が乱れている、とはどのような状態ですか？科学的に教えて",
	"日本国内で観光に行きたいと思っています。東京、名古屋、大阪、京都、福岡の特徴を表にまとめてください。\n列名は「都道府県」「おすすめスポット」「おすすめグルメ」にしてください。",
	"私の考えた創作料理について、想像して説明を書いてください。\n\n1. トマトマット\n2. 餃子風もやし炒め\n3. おにぎりすぎ",
}

// HandleExamples handles GET /api/examples.
func (h *Handler) HandleExamples(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string][]string{"examples": examplePrompts})
}

// RunExampleRequest is the body of POST /api/examples/run.
type RunExampleRequest struct {
	Message string `json:"message"`
}

// HandleRunExample handles POST /api/examples/run: a single-shot,
// non-streaming generation against an empty history. It does not touch the
// caller's conversation.
func (h *Handler) HandleRunExample(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.limiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req RunExampleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	response, err := generate.Once(r.Context(), h.gen, generate.Request{
		Message:      req.Message,
		SystemPrompt: h.cfg.SystemPrompt,
		Sampling:     generate.DefaultSamplingConfig(),
	})
	if err != nil {
		Error(w, http.StatusBadGateway, "generation failed")
		return
	}

	JSON(w, http.StatusOK, map[string]string{
		"message":  req.Message,
		"response": response,
	})
}
