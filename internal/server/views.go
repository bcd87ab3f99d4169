package server

import (
	"time"

	"swap2p/internal/escrow"
	"swap2p/internal/journal"
)

type failureResponse struct {
	Kind         string `json:"kind"`
	Step         string `json:"step"`
	Notice       string `json:"notice"`
	Detail       string `json:"detail"`
	MayStillLand bool   `json:"mayStillLand"`
}

type stateResponse struct {
	Phase        string           `json:"phase"`
	Attempt      int              `json:"attempt"`
	SubmissionID string           `json:"submissionId,omitempty"`
	ApprovalTx   string           `json:"approvalTx,omitempty"`
	EscrowTx     string           `json:"escrowTx,omitempty"`
	Fee          string           `json:"fee,omitempty"`
	Failure      *failureResponse `json:"failure,omitempty"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

func stateView(st escrow.State) stateResponse {
	out := stateResponse{
		Phase:        st.Phase.String(),
		Attempt:      st.Attempt,
		SubmissionID: st.SubmissionID,
		UpdatedAt:    st.UpdatedAt,
	}
	if !st.ApprovalTx.IsZero() {
		out.ApprovalTx = st.ApprovalTx.Hash.Hex()
	}
	if !st.EscrowTx.IsZero() {
		out.EscrowTx = st.EscrowTx.Hash.Hex()
	}
	if st.Fee != nil {
		out.Fee = st.Fee.String()
	}
	if st.Err != nil {
		out.Failure = &failureResponse{
			Kind:         st.Err.Kind.String(),
			Step:         string(st.Err.Step),
			Notice:       st.Err.Notice(),
			Detail:       st.Err.Error(),
			MayStillLand: st.Err.MayStillLand(),
		}
	}
	return out
}

type submissionResponse struct {
	SubmissionID string    `json:"submissionId"`
	Attempt      int       `json:"attempt"`
	Account      string    `json:"account"`
	ChainID      string    `json:"chainId"`
	XAsset       string    `json:"xAssetAddress"`
	XAmount      string    `json:"xAmount"`
	YAsset       string    `json:"yAssetAddress"`
	YAmount      string    `json:"yAmount"`
	YOwner       string    `json:"yOwnerAddress"`
	Phase        string    `json:"phase"`
	ApprovalTx   string    `json:"approvalTx,omitempty"`
	EscrowTx     string    `json:"escrowTx,omitempty"`
	Fee          string    `json:"fee,omitempty"`
	FailureKind  string    `json:"failureKind,omitempty"`
	FailureStep  string    `json:"failureStep,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func submissionView(e *journal.Entry) submissionResponse {
	return submissionResponse{
		SubmissionID: e.ID,
		Attempt:      e.Attempt,
		Account:      e.Account,
		ChainID:      e.ChainID,
		XAsset:       e.XAsset,
		XAmount:      e.XAmount,
		YAsset:       e.YAsset,
		YAmount:      e.YAmount,
		YOwner:       e.YOwner,
		Phase:        e.Phase,
		ApprovalTx:   e.ApprovalTx,
		EscrowTx:     e.EscrowTx,
		Fee:          e.Fee,
		FailureKind:  e.FailureKind,
		FailureStep:  e.FailureStep,
		Error:        e.Error,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}
