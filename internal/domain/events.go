package domain

// TransferStatusEvent is the internal message published when the custody
// provider notifies us about a transaction status change. It is the payload
// carried on the wallet_events exchange between the webhook handler and the
// status consumer.
type TransferStatusEvent struct {
	ProviderTxID  string `json:"provider_tx_id"`
	Reference     string `json:"reference"`
	Status        string `json:"status"`
	AmountSats    int64  `json:"amount_sats,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	CustomerPhone string `json:"customer_phone,omitempty"`
	// WalletID is set only for incoming-deposit events (wallet.credited);
	// the owner is resolved by wallet id because deposits have no prior
	// transaction record.
	WalletID  string `json:"wallet_id,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ProviderWebhookEvent mirrors the JSON body the custody provider posts to
// /webhook/bitnob.
type ProviderWebhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		ID            string `json:"id"`
		Reference     string `json:"reference"`
		Amount        int64  `json:"amount"`
		Status        string `json:"status"`
		CustomerPhone string `json:"customerPhone"`
		FailureReason string `json:"failureReason"`
		WalletID      string `json:"walletId"`
		Hash          string `json:"hash"`
		Timestamp     string `json:"timestamp"`
	} `json:"data"`
}
