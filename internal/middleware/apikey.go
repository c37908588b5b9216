package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/zhouzirui/intergram/backend/pkg/utils"
)

// APIKeyHeader 管理接口使用的预共享密钥请求头
const APIKeyHeader = "x-api-key"

// APIKey 校验预共享密钥，不匹配时返回 403。未配置密钥时拒绝所有请求。
func APIKey(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(APIKeyHeader)
			if expected == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
				utils.RespondError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
