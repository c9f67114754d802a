// Package rpc exposes the engine's control surface over Connect: the listing service schedules
// auctions through it and operators read room state.
package rpc

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	"github.com/mcdev12/auctionhouse/go/internal/auction/listing"
	"github.com/mcdev12/auctionhouse/go/internal/auction/registry"
	"github.com/mcdev12/auctionhouse/go/internal/auction/room"
	"github.com/mcdev12/auctionhouse/go/internal/models"
)

const EngineServiceName = "auction.v1.EngineService"

const (
	EngineServiceScheduleAuctionProcedure  = "/auction.v1.EngineService/ScheduleAuction"
	EngineServiceGetAuctionStateProcedure  = "/auction.v1.EngineService/GetAuctionState"
	EngineServiceListLiveAuctionsProcedure = "/auction.v1.EngineService/ListLiveAuctions"
)

type ScheduleAuctionRequest struct {
	Auction models.Auction `json:"auction"`
}

type ScheduleAuctionResponse struct {
	AuctionID string `json:"auction_id"`
}

type GetAuctionStateRequest struct {
	AuctionID string `json:"auction_id"`
}

type GetAuctionStateResponse struct {
	State room.Snapshot `json:"state"`
}

type ListLiveAuctionsRequest struct{}

type ListLiveAuctionsResponse struct {
	Auctions []room.Snapshot `json:"auctions"`
}

// Engine defines what the service layer needs from the room registry.
type Engine interface {
	Schedule(ctx context.Context, a models.Auction) error
	Snapshot(ctx context.Context, auctionID uuid.UUID) (room.Snapshot, error)
	Live(ctx context.Context) ([]room.Snapshot, error)
}

// Service implements the EngineService RPCs.
type Service struct {
	engine Engine
}

func NewService(engine Engine) *Service {
	return &Service{engine: engine}
}

// ScheduleAuction registers an auction with the engine ahead of its start.
func (s *Service) ScheduleAuction(ctx context.Context, req *connect.Request[ScheduleAuctionRequest]) (*connect.Response[ScheduleAuctionResponse], error) {
	a := req.Msg.Auction
	if err := a.Validate(); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if a.Status == "" {
		a.Status = models.AuctionStatusScheduled
	}

	if err := s.engine.Schedule(ctx, a); err != nil {
		return nil, toConnectError(err)
	}

	return connect.NewResponse(&ScheduleAuctionResponse{AuctionID: a.ID.String()}), nil
}

// GetAuctionState returns the room snapshot a joining client would receive.
func (s *Service) GetAuctionState(ctx context.Context, req *connect.Request[GetAuctionStateRequest]) (*connect.Response[GetAuctionStateResponse], error) {
	id, err := uuid.Parse(req.Msg.AuctionID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	snap, err := s.engine.Snapshot(ctx, id)
	if err != nil {
		return nil, toConnectError(err)
	}

	return connect.NewResponse(&GetAuctionStateResponse{State: snap}), nil
}

// ListLiveAuctions returns every live room, soonest to end first.
func (s *Service) ListLiveAuctions(ctx context.Context, _ *connect.Request[ListLiveAuctionsRequest]) (*connect.Response[ListLiveAuctionsResponse], error) {
	live, err := s.engine.Live(ctx)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&ListLiveAuctionsResponse{Auctions: live}), nil
}

// NewEngineServiceHandler builds an HTTP handler for the service and returns the path to mount
// it on.
func NewEngineServiceHandler(svc *Service, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(Codec{})}, opts...)

	scheduleAuction := connect.NewUnaryHandler(EngineServiceScheduleAuctionProcedure, svc.ScheduleAuction, opts...)
	getAuctionState := connect.NewUnaryHandler(EngineServiceGetAuctionStateProcedure, svc.GetAuctionState, opts...)
	listLiveAuctions := connect.NewUnaryHandler(EngineServiceListLiveAuctionsProcedure, svc.ListLiveAuctions, opts...)

	return "/" + EngineServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case EngineServiceScheduleAuctionProcedure:
			scheduleAuction.ServeHTTP(w, r)
		case EngineServiceGetAuctionStateProcedure:
			getAuctionState.ServeHTTP(w, r)
		case EngineServiceListLiveAuctionsProcedure:
			listLiveAuctions.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

func toConnectError(err error) *connect.Error {
	switch {
	case errors.Is(err, models.ErrInvalidAuction):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, listing.ErrAuctionNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, registry.ErrAuctionEnded):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
