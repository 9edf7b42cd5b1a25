// Package lndclient is a thin gRPC client for the slice of the lnd API the
// fee engine needs: node identity, the channel list with both sides'
// policies, and paginated forwarding history.
package lndclient

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/Benny-444/autofee/internal/chanid"
	"github.com/Benny-444/autofee/internal/config"
)

const (
	maxGRPCMsgSize     = 32 * 1024 * 1024
	forwardingPageSize = 50000
)

// Client dials lnd per call and closes the connection when done.
type Client struct {
	cfg    *config.Config
	logger *log.Logger
}

func New(cfg *config.Config, logger *log.Logger) *Client {
	return &Client{cfg: cfg, logger: logger}
}

// NodeInfo is the identity snapshot of the local node.
type NodeInfo struct {
	Pubkey        string
	Alias         string
	Version       string
	BlockHeight   int64
	SyncedToChain bool
	SyncedToGraph bool
}

// Channel is one open channel with both fee policies resolved. The Has*
// flags are false when the graph had no policy for that side yet, which
// happens on freshly opened channels.
type Channel struct {
	ChanID              chanid.ID
	ChannelPoint        string
	RemotePubkey        string
	PeerAlias           string
	Active              bool
	Private             bool
	CapacitySat         int64
	LocalBalanceSat     int64
	RemoteBalanceSat    int64
	LocalFeePpm         int64
	LocalBaseFeeMsat    int64
	LocalInboundFeePpm  int64
	LocalMaxHtlcMsat    uint64
	HasLocalPolicy      bool
	PeerFeeRatePpm      int64
	PeerBaseFeeMsat     int64
	HasPeerPolicy       bool
}

// OutboundRatio is the channel's local balance share of capacity.
func (ch Channel) OutboundRatio() float64 {
	if ch.CapacitySat == 0 {
		return 0
	}
	return float64(ch.LocalBalanceSat) / float64(ch.CapacitySat)
}

// ForwardingEvent is one settled forward from lnd's forwarding log.
type ForwardingEvent struct {
	ChanIDOut  chanid.ID
	Timestamp  time.Time
	AmtOutMsat uint64
	FeeMsat    uint64
}

type macaroonCredential struct {
	macaroon string
}

func (m macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"macaroon": m.macaroon}, nil
}

func (m macaroonCredential) RequireTransportSecurity() bool {
	return true
}

func (c *Client) dial(ctx context.Context) (*grpc.ClientConn, error) {
	tlsCert, err := os.ReadFile(c.cfg.LND.TLSCertPath)
	if err != nil {
		return nil, err
	}
	certPool := x509.NewCertPool()
	if ok := certPool.AppendCertsFromPEM(tlsCert); !ok {
		return nil, fmt.Errorf("failed to parse LND TLS cert")
	}

	creds := credentials.NewClientTLSFromCert(certPool, "")
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxGRPCMsgSize)),
	}

	macBytes, err := os.ReadFile(c.cfg.LND.AdminMacaroonPath)
	if err != nil {
		return nil, err
	}
	opts = append(opts, grpc.WithPerRPCCredentials(macaroonCredential{hex.EncodeToString(macBytes)}))

	return grpc.DialContext(ctx, c.cfg.LND.GRPCHost, opts...)
}

// GetInfo fetches the local node's identity and sync state.
func (c *Client) GetInfo(ctx context.Context) (NodeInfo, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return NodeInfo{}, err
	}
	defer conn.Close()

	client := lnrpc.NewLightningClient(conn)
	info, err := client.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return NodeInfo{}, err
	}
	return NodeInfo{
		Pubkey:        info.IdentityPubkey,
		Alias:         info.Alias,
		Version:       info.Version,
		BlockHeight:   int64(info.BlockHeight),
		SyncedToChain: info.SyncedToChain,
		SyncedToGraph: info.SyncedToGraph,
	}, nil
}

// ListChannels returns all open channels with their local and peer policies
// resolved from the graph. Channels whose edge lookup fails are returned
// with the Has* flags unset rather than dropped.
func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	client := lnrpc.NewLightningClient(conn)
	resp, err := client.ListChannels(ctx, &lnrpc.ListChannelsRequest{PeerAliasLookup: true})
	if err != nil {
		return nil, err
	}

	channels := make([]Channel, 0, len(resp.Channels))
	for _, ch := range resp.Channels {
		if ch == nil {
			continue
		}
		out := Channel{
			ChanID:           chanid.ID(ch.ChanId),
			ChannelPoint:     ch.ChannelPoint,
			RemotePubkey:     ch.RemotePubkey,
			PeerAlias:        ch.PeerAlias,
			Active:           ch.Active,
			Private:          ch.Private,
			CapacitySat:      ch.Capacity,
			LocalBalanceSat:  ch.LocalBalance,
			RemoteBalanceSat: ch.RemoteBalance,
		}

		edge, err := client.GetChanInfo(ctx, &lnrpc.ChanInfoRequest{ChanId: ch.ChanId})
		if err != nil {
			if c.logger != nil {
				c.logger.Printf("lndclient: no edge info for %s: %v", out.ChanID.Compact(), err)
			}
			channels = append(channels, out)
			continue
		}

		localPolicy := edge.Node1Policy
		remotePolicy := edge.Node2Policy
		if ch.RemotePubkey != "" {
			if edge.Node1Pub == ch.RemotePubkey {
				localPolicy = edge.Node2Policy
				remotePolicy = edge.Node1Policy
			} else if edge.Node2Pub == ch.RemotePubkey {
				localPolicy = edge.Node1Policy
				remotePolicy = edge.Node2Policy
			}
		}
		if localPolicy != nil {
			out.LocalFeePpm = localPolicy.FeeRateMilliMsat
			out.LocalBaseFeeMsat = localPolicy.FeeBaseMsat
			out.LocalInboundFeePpm = int64(localPolicy.InboundFeeRateMilliMsat)
			out.LocalMaxHtlcMsat = localPolicy.MaxHtlcMsat
			out.HasLocalPolicy = true
		}
		if remotePolicy != nil {
			out.PeerFeeRatePpm = remotePolicy.FeeRateMilliMsat
			out.PeerBaseFeeMsat = remotePolicy.FeeBaseMsat
			out.HasPeerPolicy = true
		}

		channels = append(channels, out)
	}

	return channels, nil
}

// ForwardingHistory pages through lnd's forwarding log starting at
// indexOffset and returns every event plus the offset to resume from.
func (c *Client) ForwardingHistory(ctx context.Context, indexOffset uint64) ([]ForwardingEvent, uint64, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, indexOffset, err
	}
	defer conn.Close()

	client := lnrpc.NewLightningClient(conn)

	if indexOffset > uint64(^uint32(0)) {
		return nil, indexOffset, errors.New("forwarding index offset out of range")
	}
	offset := uint32(indexOffset)
	var events []ForwardingEvent

	for {
		resp, err := client.ForwardingHistory(ctx, &lnrpc.ForwardingHistoryRequest{
			IndexOffset:  offset,
			NumMaxEvents: forwardingPageSize,
		})
		if err != nil {
			return nil, uint64(offset), err
		}
		if resp == nil || len(resp.ForwardingEvents) == 0 {
			break
		}

		for _, evt := range resp.ForwardingEvents {
			if evt == nil {
				continue
			}
			ts := time.Unix(0, int64(evt.TimestampNs))
			if evt.TimestampNs == 0 {
				ts = time.Unix(int64(evt.Timestamp), 0)
			}
			events = append(events, ForwardingEvent{
				ChanIDOut:  chanid.ID(evt.ChanIdOut),
				Timestamp:  ts,
				AmtOutMsat: evt.AmtOutMsat,
				FeeMsat:    evt.FeeMsat,
			})
		}

		if resp.LastOffsetIndex <= offset {
			break
		}
		offset = resp.LastOffsetIndex
		if len(resp.ForwardingEvents) < forwardingPageSize {
			break
		}
	}

	return events, uint64(offset), nil
}
