package payment

import "context"

// 決済インテント作成の結果。
// カード決済はClientSecret、リダイレクト型はApprovalURLが入る。
type Intent struct {
	ReferenceID  string
	ClientSecret string
	ApprovalURL  string
}

// 決済の確定状態
type Verification struct {
	ReferenceID string
	Settled     bool
	AmountCents int64
}

// 決済プロバイダの約束。coreはこの2操作だけに依存する。
type Gateway interface {
	CreateIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (Intent, error)
	VerifyPayment(ctx context.Context, referenceID string) (Verification, error)
}
