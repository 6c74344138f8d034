// Package channelset implements ChannelSet: the ordered collection of
// candidate channels an agent sends through, with hunting (advance
// through candidates on failure), a pending-send queue while no
// channel is connected, a heartbeat timer suppressed while a polling
// channel is actively polling, cluster endpoint discovery, and the
// authentication lifecycle shared by every channel in the set.
//
// Hunting itself is immediate attempt-per-candidate rather than
// connwatch's exponential-backoff single-service probe, since a channel
// set degrades by trying the next URI, not by waiting longer on the
// same one. Once every candidate is exhausted, though, there is nothing
// left to try immediately, and that is exactly connwatch's problem: a
// ChannelSet hands each exhausted candidate to a connwatch.Watcher,
// which backs off and polls in the background and reports back via
// OnReady so hunting can resume without a caller looping on Connect.
package channelset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flexrpc/flexrpc-go/internal/channel"
	"github.com/flexrpc/flexrpc-go/internal/channel/polling"
	"github.com/flexrpc/flexrpc-go/internal/connwatch"
	"github.com/flexrpc/flexrpc-go/internal/events"
	"github.com/flexrpc/flexrpc-go/internal/message"
)

// DefaultHeartbeatInterval is the conventional idle gap to pass to New
// for callers that want heartbeats but have no configured interval.
// Every outbound message resets the gap; a set constructed with
// interval 0 never heartbeats.
const DefaultHeartbeatInterval = 30 * time.Second

// ErrExhausted is returned when every candidate channel has failed to
// connect and hunting has nowhere left to go.
var ErrExhausted = errors.New("channelset: all candidate channels exhausted")

// MemberAgent is the view a ChannelSet keeps of each message agent
// registered with it: enough to propagate credentials after a login
// ack and to mark a drained ping as wanting dynamic configuration.
type MemberAgent interface {
	AgentDestination() string
	NeedsConfig() bool
	SetCredentials(username, password string)
}

// ChannelSet hunts through an ordered list of candidate channels,
// queues sends while none is connected, and owns the authentication
// and heartbeat lifecycle for whichever channel is currently live.
type ChannelSet struct {
	channels []channel.Channel
	bus      *events.Bus
	logger   *slog.Logger

	heartbeatInterval time.Duration

	mu               sync.Mutex
	currentIdx       int
	connected        bool
	pendingSends     []*pendingSend
	pendingByID      map[string]*pendingSend
	heartbeatStop    chan struct{}
	lastSend         time.Time
	pollingActive    bool
	credentials      *channel.Credentials
	credsCharset     string
	loginInFlight    bool
	clusterEndpoints map[string][]string
	agents           map[string]MemberAgent

	watchMgr    *connwatch.Manager
	watchCtx    context.Context
	watchCancel context.CancelFunc
	watching    map[string]*connwatch.Watcher
}

type pendingSend struct {
	msg       *message.Message
	responder *channel.MessageResponder
}

// New creates a ChannelSet that hunts through channels in order.
// heartbeatInterval is the idle gap after which the connected channel
// is pinged; 0 disables the heartbeat entirely, and a negative value
// is treated as 0. currentIdx starts at -1: no candidate has been
// tried yet, the same state hunting leaves it in once every candidate
// is exhausted.
func New(channels []channel.Channel, heartbeatInterval time.Duration, bus *events.Bus, logger *slog.Logger) *ChannelSet {
	if logger == nil {
		logger = slog.Default()
	}
	if heartbeatInterval < 0 {
		heartbeatInterval = 0
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	return &ChannelSet{
		channels:          channels,
		heartbeatInterval: heartbeatInterval,
		bus:               bus,
		logger:            logger,
		currentIdx:        -1,
		pendingByID:       make(map[string]*pendingSend),
		agents:            make(map[string]MemberAgent),
		watchMgr:          connwatch.NewManager(logger),
		watchCtx:          watchCtx,
		watchCancel:       cancel,
		watching:          make(map[string]*connwatch.Watcher),
	}
}

// RegisterAgent adds a to the set's member agents, keyed by
// destination. Registered agents receive credentials after a login ack
// and have their queued pings marked DSNeedsConfig during the
// pending-send drain.
func (cs *ChannelSet) RegisterAgent(a MemberAgent) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.agents[a.AgentDestination()] = a
}

// UnregisterAgent removes a previously registered agent.
func (cs *ChannelSet) UnregisterAgent(a MemberAgent) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.agents, a.AgentDestination())
}

// Stop cancels any background connwatch reconnect watchers started by a
// prior hunt exhaustion. Safe to call even if hunting never exhausted.
func (cs *ChannelSet) Stop() {
	cs.watchCancel()
	cs.watchMgr.Stop()
}

// Connect hunts through candidate channels in order starting from
// currentIdx, connecting to the first one that succeeds. If currentIdx
// is -1 (nothing tried yet, or the previous hunt exhausted), hunting
// starts from candidate 0. Succeeding on any candidate past the first
// one tried this hunt is reported as reconnecting — relevant to callers
// deciding whether to treat the new connection as a fresh session or a
// resumed one. It returns ErrExhausted if
// none connect, resetting currentIdx to -1 and handing every candidate
// to a background connwatch.Watcher so a future caller (or a watcher's
// own OnReady callback) can resume hunting without polling Connect in a
// loop.
func (cs *ChannelSet) Connect(ctx context.Context) error {
	cs.mu.Lock()
	start := cs.currentIdx
	cs.mu.Unlock()
	if start < 0 {
		start = 0
	}

	for i := 0; i < len(cs.channels); i++ {
		idx := (start + i) % len(cs.channels)
		ch := cs.channels[idx]

		if err := ch.Connect(ctx); err != nil {
			cs.logger.Warn("candidate channel failed to connect", "channel_id", ch.ID(), "error", err)
			cs.publish(events.KindChannelFault, ch.ID(), map[string]any{"error": err.Error(), "reconnecting": i > 0})
			if rd, ok := ch.(channel.ReconnectDelayer); ok {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(rd.ReconnectDelay()):
				}
			}
			continue
		}

		reconnecting := i > 0
		cs.mu.Lock()
		cs.currentIdx = idx
		cs.connected = true
		cs.mu.Unlock()

		cs.stopWatching()
		if pc, ok := ch.(interface{ Poll() *polling.Channel }); ok {
			pc.Poll().SetActiveNotify(cs.SetPollingActive)
		}
		cs.logger.Info("channel set connected", "channel_id", ch.ID(), "reconnecting", reconnecting)
		cs.publish(events.KindConnect, ch.ID(), map[string]any{"reconnecting": reconnecting})

		cs.flushPending(ctx)
		cs.startHeartbeat(ctx)
		return nil
	}

	cs.mu.Lock()
	cs.connected = false
	cs.currentIdx = -1
	cs.mu.Unlock()
	cs.watchExhausted()
	return ErrExhausted
}

// watchExhausted hands every candidate channel to a connwatch.Watcher,
// skipping channels already being watched. Each watcher probes by
// attempting Connect on its own backoff schedule; OnReady triggers a
// fresh hunt so a channel that recovers in the background is picked up
// without a caller having to retry Connect itself.
func (cs *ChannelSet) watchExhausted() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, ch := range cs.channels {
		ch := ch
		id := ch.ID()
		if _, ok := cs.watching[id]; ok {
			continue
		}
		cs.watching[id] = cs.watchMgr.Watch(cs.watchCtx, connwatch.WatcherConfig{
			Name:   id,
			Probe:  func(probeCtx context.Context) error { return ch.Connect(probeCtx) },
			Logger: cs.logger,
			OnReady: func() {
				if err := cs.Connect(cs.watchCtx); err != nil {
					cs.logger.Warn("background reconnect hunt failed", "channel_id", id, "error", err)
				}
			},
		})
	}
}

// stopWatching tears down any background reconnect watchers left over
// from a prior hunt exhaustion, now that hunting has succeeded again.
func (cs *ChannelSet) stopWatching() {
	cs.mu.Lock()
	watching := cs.watching
	cs.watching = make(map[string]*connwatch.Watcher)
	cs.mu.Unlock()
	for _, w := range watching {
		w.Stop()
	}
}

// AdvanceAndReconnect is called when the currently connected channel
// goes down: it advances the hunting index past the failed channel and
// attempts Connect again from there. A server-initiated disconnect
// during an outstanding poll takes this same path — it is handled as
// an ordinary disconnect.
func (cs *ChannelSet) AdvanceAndReconnect(ctx context.Context) error {
	cs.mu.Lock()
	cs.connected = false
	cs.currentIdx = (cs.currentIdx + 1) % len(cs.channels)
	cs.mu.Unlock()

	cs.stopHeartbeat()
	return cs.Connect(ctx)
}

// Disconnect disconnects the current channel and stops the heartbeat.
func (cs *ChannelSet) Disconnect(ctx context.Context) error {
	cs.stopHeartbeat()
	ch := cs.current()
	if ch == nil {
		return nil
	}
	cs.mu.Lock()
	cs.connected = false
	cs.mu.Unlock()
	cs.publish(events.KindDisconnect, ch.ID(), nil)
	return ch.Disconnect(ctx)
}

func (cs *ChannelSet) current() channel.Channel {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.connected || len(cs.channels) == 0 {
		return nil
	}
	return cs.channels[cs.currentIdx]
}

// Send routes msg through the currently connected channel, queuing it
// if no channel is connected yet. Queuing the same message instance
// twice (a consumer retrying its subscribe, most commonly) is a no-op
// that returns the responder from the first enqueue.
func (cs *ChannelSet) Send(ctx context.Context, msg *message.Message) (*channel.MessageResponder, error) {
	if ch := cs.current(); ch != nil {
		cs.markSend()
		return ch.Send(ctx, msg)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if dup, ok := cs.pendingByID[msg.MessageID]; ok {
		return dup.responder, nil
	}
	p := &pendingSend{msg: msg, responder: channel.NewMessageResponder(msg, 0)}
	cs.pendingByID[msg.MessageID] = p
	cs.pendingSends = append(cs.pendingSends, p)
	return p.responder, nil
}

// flushPending drains the pending-send queue in insertion order once a
// channel connects. Trigger-connect commands exist only to provoke the
// connect that just happened, so they are acknowledged locally and
// dropped rather than forwarded.
func (cs *ChannelSet) flushPending(ctx context.Context) {
	cs.mu.Lock()
	pending := cs.pendingSends
	cs.pendingSends = nil
	cs.pendingByID = make(map[string]*pendingSend)
	cs.mu.Unlock()

	ch := cs.current()
	if ch == nil {
		return
	}
	for _, p := range pending {
		if p.msg.Kind == message.KindCommand && p.msg.Operation == message.OpTriggerConnect {
			p.responder.Resolve(p.msg.Acknowledge())
			continue
		}
		if p.msg.Kind == message.KindCommand && p.msg.Operation == message.OpPing {
			cs.mu.Lock()
			a := cs.agents[p.msg.Destination]
			cs.mu.Unlock()
			if a != nil && a.NeedsConfig() {
				p.msg.SetHeader(message.HeaderDSNeedsConfig, true)
			}
		}
		cs.markSend()
		resp, err := ch.Send(ctx, p.msg)
		if err != nil {
			fault := p.msg.Fault("Client.Error.MessageSend", err.Error(), "")
			fault.SetHeader(message.HeaderDSRetryableErrorHint, true)
			p.responder.Fault(fault)
			continue
		}
		go func(p *pendingSend, resp *channel.MessageResponder) {
			result, err := resp.Wait(ctx)
			if err != nil {
				p.responder.Fault(p.msg.Fault("Server.Error", err.Error(), ""))
				return
			}
			p.responder.Resolve(result)
		}(p, resp)
	}
}

// SetPollingActive toggles heartbeat suppression: the heartbeat ping
// exists to detect a silently dead connection, which active polling
// already does on its own cadence.
func (cs *ChannelSet) SetPollingActive(active bool) {
	cs.mu.Lock()
	cs.pollingActive = active
	cs.mu.Unlock()
}

// markSend records an outbound message, pushing the next heartbeat a
// full interval into the future. Every path that hands a message to a
// channel calls this.
func (cs *ChannelSet) markSend() {
	cs.mu.Lock()
	cs.lastSend = time.Now()
	cs.mu.Unlock()
}

// startHeartbeat pings the connected channel after heartbeatInterval
// of send silence. The timer is effectively reset by every outbound
// message: a fire that finds a more recent send re-arms for the
// remainder of the gap instead of pinging. An interval of 0 disables
// the heartbeat entirely.
func (cs *ChannelSet) startHeartbeat(ctx context.Context) {
	if cs.heartbeatInterval <= 0 {
		return
	}
	cs.mu.Lock()
	if cs.heartbeatStop != nil {
		cs.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	cs.heartbeatStop = stop
	cs.lastSend = time.Now()
	cs.mu.Unlock()

	go func() {
		interval := cs.heartbeatInterval
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			cs.mu.Lock()
			idle := time.Since(cs.lastSend)
			suppressed := cs.pollingActive
			cs.mu.Unlock()
			if idle < interval {
				timer.Reset(interval - idle)
				continue
			}
			timer.Reset(interval)
			if suppressed {
				continue
			}
			ch := cs.current()
			if ch == nil {
				continue
			}
			ping := message.NewCommand(message.OpPing)
			ping.SetHeader(message.HeaderDSHeartbeat, true)
			cs.markSend()
			if _, err := ch.Send(ctx, ping); err != nil {
				cs.logger.Warn("heartbeat ping failed", "channel_id", ch.ID(), "error", err)
			}
		}
	}()
}

func (cs *ChannelSet) stopHeartbeat() {
	cs.mu.Lock()
	stop := cs.heartbeatStop
	cs.heartbeatStop = nil
	cs.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (cs *ChannelSet) publish(kind, channelID string, data map[string]any) {
	if cs.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["channel_id"] = channelID
	cs.bus.Publish(events.Event{Source: events.SourceChannelSet, Kind: kind, Data: data})
}

// Login sends a synthetic login Command carrying base64-encoded
// credentials and a DSCredsCharset header, guarding against overlapping
// login attempts: only one login or logout may be in flight at a time.
func (cs *ChannelSet) Login(ctx context.Context, username, password, charset string) error {
	cs.mu.Lock()
	if cs.loginInFlight {
		cs.mu.Unlock()
		return errors.New("channelset: login or logout already in progress")
	}
	cs.loginInFlight = true
	cs.mu.Unlock()
	defer func() {
		cs.mu.Lock()
		cs.loginInFlight = false
		cs.mu.Unlock()
	}()

	creds := channel.Credentials{Username: username, Password: password, Charset: charset}
	cmd := message.NewCommand(message.OpLogin)
	cmd.Body = creds.Encode()
	if charset != "" {
		cmd.SetHeader(message.HeaderDSCredsCharset, charset)
	}

	ch := cs.current()
	if ch == nil {
		return channel.ErrNotConnected
	}
	cs.markSend()
	responder, err := ch.Send(ctx, cmd)
	if err != nil {
		return err
	}
	if _, err := responder.Wait(ctx); err != nil {
		return fmt.Errorf("channelset: login failed: %w", err)
	}

	cs.mu.Lock()
	cs.credentials = &creds
	cs.credsCharset = charset
	cs.mu.Unlock()
	// Credentials are stored in every member channel and agent; no
	// channel sends a login built from them when a later hunt reconnects.
	for _, member := range cs.channels {
		member.SetCredentials(username, password)
	}
	cs.mu.Lock()
	agents := make([]MemberAgent, 0, len(cs.agents))
	for _, a := range cs.agents {
		agents = append(agents, a)
	}
	cs.mu.Unlock()
	for _, a := range agents {
		a.SetCredentials(username, password)
	}
	return nil
}

// Logout clears stored credentials in every member channel and agent,
// then calls the current channel's Logout and returns its error. The
// AMF channel sends a logout Command there; the streaming and
// direct-HTTP channels send nothing. An error from a server that drops
// the connection in response is returned like any other error. Logout
// shares Login's guard: it fails while a login or logout is in flight.
func (cs *ChannelSet) Logout(ctx context.Context) error {
	ch := cs.current()
	if ch == nil {
		return nil
	}
	cs.mu.Lock()
	if cs.loginInFlight {
		cs.mu.Unlock()
		return errors.New("channelset: login or logout already in progress")
	}
	cs.loginInFlight = true
	defer func() {
		cs.mu.Lock()
		cs.loginInFlight = false
		cs.mu.Unlock()
	}()
	cs.credentials = nil
	agents := make([]MemberAgent, 0, len(cs.agents))
	for _, a := range cs.agents {
		agents = append(agents, a)
	}
	cs.mu.Unlock()
	for _, member := range cs.channels {
		if cc, ok := member.(interface{ ClearCredentials() }); ok {
			cc.ClearCredentials()
		} else {
			member.SetCredentials("", "")
		}
	}
	for _, a := range agents {
		a.SetCredentials("", "")
	}
	return ch.Logout(ctx)
}

// DiscoverCluster issues a Command(cluster-request), flattens the
// sequence of {channel-id: endpoint-uri} mappings the server replies
// with into per-channel failover URI lists, and assigns each member
// channel its list for future hunts.
func (cs *ChannelSet) DiscoverCluster(ctx context.Context) (map[string][]string, error) {
	ch := cs.current()
	if ch == nil {
		return nil, channel.ErrNotConnected
	}
	cmd := message.NewCommand(message.OpClusterRequest)
	cs.markSend()
	responder, err := ch.Send(ctx, cmd)
	if err != nil {
		return nil, err
	}
	result, err := responder.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("channelset: cluster discovery failed: %w", err)
	}

	endpoints, err := flattenClusterBody(result.Body)
	if err != nil {
		return nil, err
	}

	cs.mu.Lock()
	cs.clusterEndpoints = endpoints
	cs.mu.Unlock()
	for _, member := range cs.channels {
		if uris := endpoints[member.ID()]; len(uris) > 0 {
			member.SetFailoverURIs(uris)
		}
	}
	return endpoints, nil
}

// flattenClusterBody folds a cluster-request reply — a sequence of
// {channel-id: endpoint-uri} mappings, one per cluster node — into a
// single channel-id to URI-list mapping, preserving node order.
func flattenClusterBody(body any) (map[string][]string, error) {
	out := make(map[string][]string)
	nodes, ok := body.([]any)
	if !ok {
		return nil, fmt.Errorf("channelset: unexpected cluster-request body %T", body)
	}
	for _, node := range nodes {
		mapping, ok := node.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("channelset: unexpected cluster node entry %T", node)
		}
		for id, uri := range mapping {
			s, ok := uri.(string)
			if !ok {
				return nil, fmt.Errorf("channelset: unexpected cluster endpoint %T for channel %s", uri, id)
			}
			out[id] = append(out[id], s)
		}
	}
	return out, nil
}
