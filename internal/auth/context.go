package auth

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// verifiedKey 是上下文中存储 Verified 的键类型。
type verifiedKey struct{}

// WithVerified 将通过校验的请求存储到上下文中。
func WithVerified(ctx context.Context, verified *Verified) context.Context {
	if verified == nil {
		return ctx
	}
	return context.WithValue(ctx, verifiedKey{}, verified)
}

// VerifiedFromContext 从上下文中提取通过校验的请求。
func VerifiedFromContext(ctx context.Context) *Verified {
	if ctx == nil {
		return nil
	}
	if verified, ok := ctx.Value(verifiedKey{}).(*Verified); ok {
		return verified
	}
	return nil
}

// SignerFromContext 返回请求签名者，未经校验的请求返回 false。
func SignerFromContext(ctx context.Context) (common.Address, bool) {
	verified := VerifiedFromContext(ctx)
	if verified == nil {
		return common.Address{}, false
	}
	return verified.Transaction.Signer, true
}
