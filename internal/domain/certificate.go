package domain

import "time"

// MintData is the immutable snapshot needed to mint a certificate.
// It is captured when work is queued so later edits to the certificate
// do not change what ends up on chain.
type MintData struct {
	StudentAddress    string    `json:"student_address"`
	StudentName       string    `json:"student_name"`
	CourseID          string    `json:"course_id"`
	CourseName        string    `json:"course_name"`
	InstructorName    string    `json:"instructor_name"`
	CompletionDate    time.Time `json:"completion_date"`
	CertificateNumber string    `json:"certificate_number"`
	Grade             string    `json:"grade,omitempty"`
	Score             *float64  `json:"score,omitempty"`
	Achievements      []string  `json:"achievements,omitempty"`
}

// WalletState describes the minting wallet as seen right now.
// It is never persisted.
type WalletState struct {
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
	// BalanceWei is kept as a decimal string to survive JSON without precision loss.
	BalanceWei string `json:"balance_wei"`
	CanMint    bool   `json:"can_mint"`
	Network    string `json:"network"`
}

// BlockchainRef points at a confirmed on-chain certificate record.
type BlockchainRef struct {
	TokenID         uint64    `json:"token_id"`
	TransactionHash string    `json:"transaction_hash"`
	ContentHash     string    `json:"content_hash"`
	Network         string    `json:"network"`
	ContractAddress string    `json:"contract_address"`
	MintedAt        time.Time `json:"minted_at"`
}

// Certificate is a course completion certificate issued by the platform.
type Certificate struct {
	ID                string         `json:"id"`
	UserID            string         `json:"user_id"`
	CourseID          string         `json:"course_id"`
	CourseName        string         `json:"course_name"`
	StudentName       string         `json:"student_name"`
	StudentAddress    string         `json:"student_address"`
	InstructorName    string         `json:"instructor_name"`
	CompletionDate    time.Time      `json:"completion_date"`
	CertificateNumber string         `json:"certificate_number"`
	Grade             string         `json:"grade,omitempty"`
	Score             *float64       `json:"score,omitempty"`
	Achievements      []string       `json:"achievements,omitempty"`
	QueueItemID       string         `json:"queue_item_id,omitempty"`
	Blockchain        *BlockchainRef `json:"blockchain,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// MintData builds the mint snapshot for the certificate.
func (c *Certificate) MintData() MintData {
	achievements := make([]string, len(c.Achievements))
	copy(achievements, c.Achievements)

	var score *float64
	if c.Score != nil {
		s := *c.Score
		score = &s
	}

	return MintData{
		StudentAddress:    c.StudentAddress,
		StudentName:       c.StudentName,
		CourseID:          c.CourseID,
		CourseName:        c.CourseName,
		InstructorName:    c.InstructorName,
		CompletionDate:    c.CompletionDate,
		CertificateNumber: c.CertificateNumber,
		Grade:             c.Grade,
		Score:             score,
		Achievements:      achievements,
	}
}
