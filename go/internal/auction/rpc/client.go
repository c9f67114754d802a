package rpc

import (
	"context"
	"strings"

	"connectrpc.com/connect"
)

// EngineServiceClient calls the EngineService over Connect with the JSON codec.
type EngineServiceClient struct {
	scheduleAuction  *connect.Client[ScheduleAuctionRequest, ScheduleAuctionResponse]
	getAuctionState  *connect.Client[GetAuctionStateRequest, GetAuctionStateResponse]
	listLiveAuctions *connect.Client[ListLiveAuctionsRequest, ListLiveAuctionsResponse]
}

func NewEngineServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *EngineServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(Codec{})}, opts...)
	return &EngineServiceClient{
		scheduleAuction: connect.NewClient[ScheduleAuctionRequest, ScheduleAuctionResponse](
			httpClient, baseURL+EngineServiceScheduleAuctionProcedure, opts...),
		getAuctionState: connect.NewClient[GetAuctionStateRequest, GetAuctionStateResponse](
			httpClient, baseURL+EngineServiceGetAuctionStateProcedure, opts...),
		listLiveAuctions: connect.NewClient[ListLiveAuctionsRequest, ListLiveAuctionsResponse](
			httpClient, baseURL+EngineServiceListLiveAuctionsProcedure, opts...),
	}
}

func (c *EngineServiceClient) ScheduleAuction(ctx context.Context, req *connect.Request[ScheduleAuctionRequest]) (*connect.Response[ScheduleAuctionResponse], error) {
	return c.scheduleAuction.CallUnary(ctx, req)
}

func (c *EngineServiceClient) GetAuctionState(ctx context.Context, req *connect.Request[GetAuctionStateRequest]) (*connect.Response[GetAuctionStateResponse], error) {
	return c.getAuctionState.CallUnary(ctx, req)
}

func (c *EngineServiceClient) ListLiveAuctions(ctx context.Context, req *connect.Request[ListLiveAuctionsRequest]) (*connect.Response[ListLiveAuctionsResponse], error) {
	return c.listLiveAuctions.CallUnary(ctx, req)
}
