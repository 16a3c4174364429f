package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-mix/internal/mixing"
	"github.com/Klingon-tech/klingnet-mix/internal/wallet"
	"github.com/Klingon-tech/klingnet-mix/pkg/types"
)

// ── Mixing endpoints ────────────────────────────────────────────────────

func (s *Server) handleMixingGetStatus(_ *Request) (interface{}, *Error) {
	if s.mixer == nil {
		return nil, &Error{Code: CodeUnavailable, Message: "mixing not enabled"}
	}
	st := s.mixer.GetStatus()
	res := &MixingStatusResult{Status: st, Message: st.String()}
	bal, err := s.mixer.Balances()
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("balances: %v", err)}
	}
	res.Balances = bal
	if s.wallet != nil {
		res.KeysLeft = s.wallet.KeysLeftSinceBackup()
	}
	return res, nil
}

func (s *Server) handleMixingGetConfig(_ *Request) (interface{}, *Error) {
	if s.mixer == nil {
		return nil, &Error{Code: CodeUnavailable, Message: "mixing not enabled"}
	}
	cfg := s.mixer.Config()
	return &MixingConfigResult{
		Enabled:           s.mixer.GetStatus().Enabled,
		Rounds:            cfg.Rounds,
		Amount:            cfg.Amount,
		LiquidityProvider: cfg.LiquidityProvider,
		MultiSession:      cfg.MultiSession,
		AutoBackup:        cfg.AutoBackup,
		MinBlocksToWait:   cfg.MinBlocksToWait,
		MaxProtocolErrors: cfg.MaxProtocolErrors,
	}, nil
}

func (s *Server) handleMixingToggle(on bool) (interface{}, *Error) {
	if s.mixer == nil {
		return nil, &Error{Code: CodeUnavailable, Message: "mixing not enabled"}
	}
	s.mixer.SetEnabled(on)
	s.logger.Info().Bool("enabled", on).Msg("Mixing toggled over RPC")
	return &ToggleResult{Enabled: on}, nil
}

func (s *Server) handleMixingDenominateOnce(ctx context.Context) (interface{}, *Error) {
	if s.mixer == nil {
		return nil, &Error{Code: CodeUnavailable, Message: "mixing not enabled"}
	}
	started, msg := s.mixer.DoOnceDenominating(ctx)
	return &DenominateOnceResult{Started: started, Message: msg}, nil
}

func (s *Server) handleMixingReset(_ *Request) (interface{}, *Error) {
	if s.mixer == nil {
		return nil, &Error{Code: CodeUnavailable, Message: "mixing not enabled"}
	}
	s.mixer.ResetPool()
	return true, nil
}

func (s *Server) handleMixingClearSkipped(_ *Request) (interface{}, *Error) {
	if s.mixer == nil {
		return nil, &Error{Code: CodeUnavailable, Message: "mixing not enabled"}
	}
	s.mixer.ClearSkippedDenominations()
	return true, nil
}

// ── Wallet endpoints ────────────────────────────────────────────────────

func (s *Server) handleWalletGetBalance(_ *Request) (interface{}, *Error) {
	if s.wallet == nil {
		return nil, &Error{Code: CodeUnavailable, Message: "wallet not loaded"}
	}
	bal, err := s.wallet.Balance()
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("balance: %v", err)}
	}
	return &WalletBalanceResult{Balance: bal, Height: s.wallet.Height()}, nil
}

func (s *Server) handleWalletNewAddress(_ *Request) (interface{}, *Error) {
	if s.wallet == nil {
		return nil, &Error{Code: CodeUnavailable, Message: "wallet not loaded"}
	}
	addr, err := s.wallet.NewAddress()
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("new address: %v", err)}
	}
	return &AddressResult{Address: addr.String()}, nil
}

func (s *Server) handleWalletSend(req *Request) (interface{}, *Error) {
	if s.wallet == nil {
		return nil, &Error{Code: CodeUnavailable, Message: "wallet not loaded"}
	}
	var params SendParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Amount == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "amount must be positive"}
	}
	to, err := types.ParseAddress(params.To)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid address: %v", err)}
	}
	hash, err := s.wallet.Send(to, params.Amount)
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
		}
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("send: %v", err)}
	}
	return &SendResult{TxHash: hash.String()}, nil
}

func (s *Server) handleWalletBackup(_ *Request) (interface{}, *Error) {
	if s.wallet == nil {
		return nil, &Error{Code: CodeUnavailable, Message: "wallet not loaded"}
	}
	path, err := s.wallet.Backup()
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("backup: %v", err)}
	}
	return &BackupResult{Path: path}, nil
}

// ── Network endpoints ───────────────────────────────────────────────────

func (s *Server) handleNetGetPeerInfo(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &PeerInfoResult{Count: 0, Peers: []PeerInfo{}}, nil
	}

	peers := s.p2pNode.PeerList()
	infos := make([]PeerInfo, len(peers))
	for i, p := range peers {
		infos[i] = PeerInfo{
			ID:          p.ID.String(),
			ConnectedAt: p.ConnectedAt.UTC().Format("2006-01-02T15:04:05Z"),
			Source:      string(p.Source),
			Mixer:       p.Mixer,
		}
		if s.mixer != nil {
			infos[i].Mixing = s.mixer.IsMixingPeer(mixing.PeerID(p.ID.String()))
		}
	}

	return &PeerInfoResult{
		Count: len(infos),
		Peers: infos,
	}, nil
}

func (s *Server) handleNetGetNodeInfo(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &NodeInfoResult{ID: "", Addrs: []string{}}, nil
	}

	return &NodeInfoResult{
		ID:    s.p2pNode.ID().String(),
		Addrs: s.p2pNode.Addrs(),
	}, nil
}

func (s *Server) handleNetGetBanList(_ *Request) (interface{}, *Error) {
	if s.banManager == nil {
		return &BanListResult{Count: 0, Bans: []BanEntry{}}, nil
	}

	records := s.banManager.BanList()
	entries := make([]BanEntry, len(records))
	for i, r := range records {
		entries[i] = BanEntry{
			ID:        r.ID,
			Reason:    r.Reason,
			Score:     r.Score,
			BannedAt:  r.BannedAt,
			ExpiresAt: r.ExpiresAt,
		}
	}

	return &BanListResult{
		Count: len(entries),
		Bans:  entries,
	}, nil
}
