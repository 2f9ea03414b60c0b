// ABOUTME: Persisted record layouts for sessions, wallets, transactions and agent requests
// ABOUTME: Field names are the stored JSON names and must stay stable across reads and writes

package orchestrator

// PairingSession binds a phone device to a browser principal.
type PairingSession struct {
	ID                  string  `json:"id"`
	UserID              string  `json:"userId"`
	Nonce               string  `json:"nonce"`
	Status              string  `json:"status"`
	DeviceID            *string `json:"deviceId"`
	ClaimantPrincipalID string  `json:"claimantPrincipalId,omitempty"`
	KeyID               string  `json:"keyId,omitempty"`
	PublicKey           string  `json:"publicKey,omitempty"`
	Address             string  `json:"address,omitempty"`
	CreatedAt           string  `json:"createdAt"`
	ExpiresAt           string  `json:"expiresAt"`
	BoundAt             string  `json:"boundAt,omitempty"`
	CompletedAt         string  `json:"completedAt,omitempty"`
	UpdatedAt           string  `json:"updatedAt,omitempty"`
}

func (p *PairingSession) owner() string { return p.UserID }

func (p *PairingSession) deviceID() string {
	if p.DeviceID == nil {
		return ""
	}
	return *p.DeviceID
}

// KeygenSession tracks one distributed key generation.
type KeygenSession struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	Status      string `json:"status"`
	SessionID   string `json:"sessionId,omitempty"` // originating pairing session
	DeviceID    string `json:"deviceId,omitempty"`
	KeyID       string `json:"keyId,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`
	Address     string `json:"address,omitempty"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"createdAt"`
	ExpiresAt   string `json:"expiresAt"`
	CompletedAt string `json:"completedAt,omitempty"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

func (k *KeygenSession) owner() string { return k.UserID }

// Wallet is created by keygen completion and keyed by keyId.
type Wallet struct {
	ID             string   `json:"id"`
	KeyID          string   `json:"keyId"`
	PublicKey      string   `json:"publicKey"`
	Address        string   `json:"address"`
	DeviceID       string   `json:"deviceId"`
	UserID         string   `json:"userId"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	AgentToken     string   `json:"agentToken,omitempty"`
	AgentCreatedAt string   `json:"agentCreatedAt,omitempty"`
	CreatedAt      string   `json:"createdAt"`
	UpdatedAt      string   `json:"updatedAt"`
}

func (w *Wallet) owner() string { return w.UserID }

// Transaction is a browser-proposed transfer awaiting the phone's decision.
type Transaction struct {
	ID                 string `json:"id"`
	WalletID           string `json:"walletId"`
	To                 string `json:"to"`
	Value              string `json:"value"`
	Data               string `json:"data"`
	GasLimit           string `json:"gasLimit"`
	GasPrice           string `json:"gasPrice"`
	Description        string `json:"description,omitempty"`
	Status             string `json:"status"`
	TransactionHash    string `json:"transactionHash,omitempty"`
	Signature          string `json:"signature,omitempty"`
	Error              string `json:"error,omitempty"`
	DeviceID           string `json:"deviceId"`
	UserID             string `json:"userId"`
	NotificationSent   bool   `json:"notificationSent"`
	NotificationSentAt string `json:"notificationSentAt,omitempty"`
	ExpiresAt          string `json:"expiresAt"`
	CreatedAt          string `json:"createdAt"`
	UpdatedAt          string `json:"updatedAt"`
	ApprovedAt         string `json:"approvedAt,omitempty"`
	RejectedAt         string `json:"rejectedAt,omitempty"`
	FailedAt           string `json:"failedAt,omitempty"`
}

func (t *Transaction) owner() string { return t.UserID }

// AgentToken reserves an agent token globally; the document id is the token.
type AgentToken struct {
	Token     string `json:"agentToken"`
	WalletID  string `json:"walletId"`
	UserID    string `json:"userId"`
	CreatedAt string `json:"createdAt"`
}

// AgentRequest is a signature request made by a token-bearing agent.
type AgentRequest struct {
	ID                 string `json:"id"`
	AgentToken         string `json:"agentToken"`
	WalletID           string `json:"walletId"`
	WalletAddress      string `json:"walletAddress"`
	Hash               string `json:"hash"`
	Message            string `json:"message"`
	Payload            string `json:"payload"`
	Amount             string `json:"amount"`
	Product            string `json:"product"`
	ChainID            string `json:"chainId"`
	Status             string `json:"status"`
	Signature          string `json:"signature,omitempty"`
	Error              string `json:"error,omitempty"`
	DeviceID           string `json:"deviceId"`
	UserID             string `json:"userId"`
	NotificationSent   bool   `json:"notificationSent"`
	NotificationSentAt string `json:"notificationSentAt,omitempty"`
	ExpiresAt          string `json:"expiresAt"`
	CreatedAt          string `json:"createdAt"`
	UpdatedAt          string `json:"updatedAt"`
	SignedAt           string `json:"signedAt,omitempty"`
	RejectedAt         string `json:"rejectedAt,omitempty"`
}

func (a *AgentRequest) owner() string { return a.UserID }

// Notification is an in-app prompt for the phone, read by polling.
type Notification struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Read      bool   `json:"read"`
	ReadAt    string `json:"readAt,omitempty"`
	CreatedAt string `json:"createdAt"`
	ExpiresAt string `json:"expiresAt"`
}

func (n *Notification) owner() string { return n.UserID }
