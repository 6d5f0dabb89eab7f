package channel

import (
	"context"
	"time"

	"github.com/interlock-hie/interlock/internal/domain/message"
)

// DestinationChain executes an ordered group of destinations sequentially,
// feeding each destination's ENCODED output into the next destination's RAW.
// Chains of one message run concurrently with each other; outcomes are
// isolated, so one chain's error never cancels a sibling.
type DestinationChain struct {
	id           int
	destinations []*Destination
}

// ID returns the chain id.
func (c *DestinationChain) ID() int { return c.id }

// Execute runs the chain for one dispatched message.
//
// Map semantics: the source map is shared by reference; the channel map and
// response map are copied from the source at fork time and then shared by
// reference between the destinations of this chain, so writes by destination
// N are visible to destination N+1 but never to sibling chains.
func (c *DestinationChain) Execute(ctx context.Context, ch *Channel, source *message.ConnectorMessage) {
	channelMap := source.ChannelMap.Copy()
	responseMap := source.ResponseMap.Copy()

	prevEncoded, _ := source.GetContent(message.ContentEncoded)
	prevDataType := ch.sourceDataTypeName()

	for order, dest := range c.destinations {
		cm := message.NewConnectorMessage(
			ch.cfg.ID, ch.cfg.Name,
			source.MessageID, dest.MetaDataID(), dest.Name(), ch.cfg.ServerID,
			message.Received, time.Now(),
		)
		cm.ChainID = c.id
		cm.OrderID = order + 1
		cm.SourceMap = source.SourceMap
		cm.ChannelMap = channelMap
		cm.ResponseMap = responseMap
		cm.DestinationSet = source.DestinationSet
		cm.SetContent(message.ContentRaw, prevEncoded, prevDataType)

		if err := ch.insertConnectorMessage(ctx, cm); err != nil {
			ch.logger.Error("insert destination connector message failed",
				"message_id", cm.MessageID,
				"metadata_id", cm.MetaDataID,
				"error", err,
			)
			return
		}

		// Destinations removed from the fan-out before the chain reaches
		// them persist as FILTERED and are skipped; the chain continues.
		if source.DestinationSet != nil && !source.DestinationSet.Enabled(dest.MetaDataID()) {
			ch.setStatus(ctx, ch.store, cm, message.Filtered)
			continue
		}

		status := dest.process(ctx, cm)

		// A destination error stops this chain; remaining destinations do
		// not run. FILTERED and QUEUED are normal outcomes and the chain
		// continues with the last produced ENCODED content.
		if status == message.Error {
			return
		}
		if encoded, ok := cm.GetContent(message.ContentEncoded); ok {
			prevEncoded = encoded
			prevDataType = dest.settings.FilterTransformer.Outbound.Name()
		}
	}
}
