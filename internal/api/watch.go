package api

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// WatchEvents streams bus events whose kind starts with the requested
// namespace (all events when empty) until the client goes away or the bus
// is closed.
func (s *CacheService) WatchEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe(str(req, "namespace"), 64)
	defer unsub()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			out, err := respond(map[string]any{
				"eventId":    uuid.New().String(),
				"seq":        evt.Seq,
				"occurredAt": evt.Timestamp.UnixMilli(),
				"kind":       evt.Kind,
			})
			if err != nil {
				return err
			}
			if err := stream.SendMsg(out); err != nil {
				s.logger.Debug("watcher gone", zap.Error(err))
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
