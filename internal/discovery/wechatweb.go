package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/wxagent/wxagent/internal/model"
	"github.com/wxagent/wxagent/internal/store"
	"github.com/wxagent/wxagent/internal/vault"
	"github.com/wxagent/wxagent/internal/wechatweb"
)

// WechatWebMetrics counts what the last inbox sync did.
type WechatWebMetrics struct {
	SyncBatches          int
	OfficialMsgs         int
	ArticleRefsExtracted int
	BlockedByAuth        int
}

// WechatWebProvider discovers article links from the signed-in web inbox.
// One sync per target day covers every subscription: the inbox batch is
// pulled once, refs are bucketed by sender, and each subscription reads its
// bound sender's bucket.
type WechatWebProvider struct {
	Store    *store.Store
	Vault    vault.Vault
	VaultKey string
	Sync     *wechatweb.SyncClient
	Binder   *wechatweb.Binder

	// Now is injectable for tests.
	Now func() time.Time

	mu             sync.Mutex
	cacheDay       string
	accountID      int64
	refsByOfficial map[string][]model.DiscoveredRef
	metrics        WechatWebMetrics
}

// NewWechatWebProvider wires the provider against the production endpoints.
func NewWechatWebProvider(st *store.Store, v vault.Vault, timeout time.Duration) *WechatWebProvider {
	return &WechatWebProvider{
		Store:    st,
		Vault:    v,
		VaultKey: "wechat_web",
		Sync:     wechatweb.NewSyncClient(timeout),
		Binder:   wechatweb.NewBinder(st),
	}
}

func (p *WechatWebProvider) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *WechatWebProvider) Name() string { return model.ChannelWechatWeb }

// Metrics returns a copy of the last sync's counters.
func (p *WechatWebProvider) Metrics() WechatWebMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// Search implements Provider. The first call of a day performs the inbox
// sync; later calls only look up buckets. A sync failure surfaces on the
// subscription that triggered it, subsequent ones see empty buckets.
func (p *WechatWebProvider) Search(ctx context.Context, sub *model.Subscription, day time.Time) ([]model.DiscoveredRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureSynced(ctx, day); err != nil {
		return nil, err
	}

	bound, err := p.Binder.BoundUserName(sub.ID)
	if err != nil {
		return nil, fmt.Errorf("discovery: lookup binding: %w", err)
	}
	if bound != "" {
		return slices.Clone(p.refsByOfficial[bound]), nil
	}

	result, err := p.Binder.AutoBind(p.accountID, *sub)
	if err != nil {
		return nil, fmt.Errorf("discovery: auto bind: %w", err)
	}
	if result.OK && result.UserName != "" {
		return slices.Clone(p.refsByOfficial[result.UserName]), nil
	}
	return nil, nil
}

// ensureSynced pulls the day's inbox batch once. cacheDay is set before the
// attempt on purpose: a failed sync is not retried for every subscription
// of the run.
func (p *WechatWebProvider) ensureSynced(ctx context.Context, day time.Time) error {
	dayKey := day.Format("2006-01-02")
	if p.cacheDay == dayKey {
		return nil
	}
	p.cacheDay = dayKey
	p.accountID = 0
	p.refsByOfficial = map[string][]model.DiscoveredRef{}
	p.metrics = WechatWebMetrics{}

	raw, err := p.Vault.Get(p.VaultKey)
	if err != nil && !errors.Is(err, vault.ErrNotFound) {
		return fmt.Errorf("discovery: read web session: %w", err)
	}
	if raw == "" {
		p.metrics.BlockedByAuth = 1
		return errors.New("discovery: AUTH_REQUIRED: 请先执行 wxagent login 完成扫码登录")
	}

	sess := wechatweb.ParseSession(raw)
	if sess == nil || sess.Expired(p.now().UTC()) {
		p.metrics.BlockedByAuth = 1
		return errors.New("discovery: AUTH_REQUIRED: 登录态已失效，请重新执行 wxagent login")
	}

	contacts, err := p.Sync.RefreshContacts(ctx, sess)
	if err != nil {
		return fmt.Errorf("discovery: refresh contacts: %w", err)
	}

	nowNs := p.now().UTC().UnixNano()
	accountID, err := p.Store.UpsertWechatAccount(model.WechatAccount{
		Fingerprint:   wechatweb.AccountFingerprint(sess.Wxuin),
		Nickname:      sess.Nickname,
		LastLoginAtNs: nowNs,
	})
	if err != nil {
		return fmt.Errorf("discovery: upsert wechat account: %w", err)
	}
	p.accountID = accountID

	official := make(map[string]bool, len(contacts))
	for _, item := range contacts {
		official[item.UserName] = true
		err := p.Store.UpsertOfficialAccount(model.OfficialAccount{
			AccountID: accountID,
			UserName:  item.UserName,
			Nickname:  item.NickName,
		})
		if err != nil {
			return fmt.Errorf("discovery: upsert official account: %w", err)
		}
	}
	if err := p.saveSyncState(accountID, sess.SyncKey); err != nil {
		return err
	}

	batch, err := p.Sync.Sync(ctx, sess)
	if err != nil {
		return fmt.Errorf("discovery: inbox sync: %w", err)
	}

	refs, kept := wechatweb.ExtractRefs(batch.Messages, official, p.now().UTC())
	for _, ref := range refs {
		_, err := p.Store.InsertInboundMessage(model.InboundMessage{
			AccountID: accountID,
			UserName:  ref.FromUserName,
			MsgID:     ref.MsgID,
			Title:     ref.TitleHint,
			URL:       ref.URL,
			MsgTimeNs: ref.PublishedHintNs,
		})
		if err != nil {
			log.Printf("[discovery] record inbound message %s: %v", ref.MsgID, err)
		}
		p.refsByOfficial[ref.FromUserName] = append(p.refsByOfficial[ref.FromUserName], model.DiscoveredRef{
			URL:           ref.URL,
			TitleHint:     ref.TitleHint,
			PublishedHint: time.Unix(0, ref.PublishedHintNs).UTC(),
			Channel:       model.ChannelWechatWeb,
			Confidence:    0.95,
		})
	}

	// Sync advanced the cursor inside sess; persist it and the session blob.
	if err := p.saveSyncState(accountID, batch.SyncKey); err != nil {
		return err
	}
	serialized, err := wechatweb.SerializeSession(sess)
	if err != nil {
		return fmt.Errorf("discovery: serialize session: %w", err)
	}
	if err := p.Vault.Set(p.VaultKey, serialized); err != nil {
		return fmt.Errorf("discovery: store session: %w", err)
	}

	p.metrics = WechatWebMetrics{
		SyncBatches:          1,
		OfficialMsgs:         kept,
		ArticleRefsExtracted: len(refs),
	}
	return nil
}

func (p *WechatWebProvider) saveSyncState(accountID int64, key wechatweb.SyncKey) error {
	payload, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("discovery: encode sync key: %w", err)
	}
	err = p.Store.UpsertWechatSyncState(model.WechatSyncState{
		AccountID:   accountID,
		SyncKeyJSON: string(payload),
		SyncedAtNs:  p.now().UTC().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("discovery: save sync state: %w", err)
	}
	return nil
}
