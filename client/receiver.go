package client

import (
	"bufio"
	"errors"
	"time"

	"github.com/axmq/courier/encoding"
	"github.com/axmq/courier/inflight"
	"github.com/axmq/courier/session"
	"github.com/axmq/courier/transport"
)

// readLoop owns the transport's read side. It buffers partial reads until
// a complete packet is framed and hands packets over in wire order. On
// read failure it reports the error and closes the packet channel.
func readLoop(conn transport.Transport, incoming chan<- encoding.Packet, errCh chan<- error) {
	defer close(incoming)

	br := bufio.NewReader(conn)
	for {
		pkt, err := encoding.ReadPacket(br)
		if err != nil {
			errCh <- transport.ClassifyError(err)
			return
		}
		incoming <- pkt
	}
}

// route dispatches one inbound packet in the connected state. It returns
// (reason, fatal): a fatal reason terminates the connection process, a
// non-fatal one drops the connection into backoff, nil keeps going.
func (c *Client) route(conn transport.Transport, pkt encoding.Packet) (error, bool) {
	switch p := pkt.(type) {
	case *encoding.PublishPacket:
		return c.routePublish(conn, p)

	case *encoding.PubackPacket:
		if err := c.tracker.HandlePuback(p.PacketID); err != nil {
			return c.ackError(p.Type(), p.PacketID, err)
		}
		return nil, false

	case *encoding.PubrecPacket:
		pubrel, err := c.tracker.HandlePubrec(p.PacketID)
		if err != nil {
			return c.ackError(p.Type(), p.PacketID, err)
		}
		if err := c.send(conn, pubrel); err != nil {
			return err, false
		}
		c.tracker.MarkPubrelSent(p.PacketID)
		return nil, false

	case *encoding.PubcompPacket:
		if err := c.tracker.HandlePubcomp(p.PacketID); err != nil {
			return c.ackError(p.Type(), p.PacketID, err)
		}
		return nil, false

	case *encoding.PubrelPacket:
		return c.routePubrel(conn, p)

	case *encoding.SubackPacket:
		c.resolveSuback(p)
		return nil, false

	case *encoding.UnsubackPacket:
		c.resolveUnsuback(p)
		return nil, false

	case *encoding.PingrespPacket:
		c.handlePingresp()
		return nil, false

	default:
		// CONNECT, CONNACK, SUBSCRIBE, UNSUBSCRIBE, PINGREQ, DISCONNECT:
		// never legal from broker to client once connected
		return &ProtocolViolationError{Expected: encoding.PUBLISH, Got: pkt.Type()}, true
	}
}

// routePublish applies the inbound QoS rules. Delivery happens before the
// acknowledgment goes out so a handler failure suppresses the ack and the
// broker redelivers.
func (c *Client) routePublish(conn transport.Transport, p *encoding.PublishPacket) (error, bool) {
	switch p.FixedHeader.QoS {
	case encoding.QoS0:
		if err := c.opts.Handler.HandleMessage(p.TopicName, p.Payload); err != nil {
			return err, false
		}
		return nil, false

	case encoding.QoS1:
		if err := c.opts.Handler.HandleMessage(p.TopicName, p.Payload); err != nil {
			return err, false
		}
		return c.sendAck(conn, &encoding.PubackPacket{PacketID: p.PacketID})

	case encoding.QoS2:
		// First sighting holds the message until PUBREL; duplicates are
		// acknowledged but never redelivered
		if c.tracker.ReceiveQoS2(p.PacketID) {
			c.mu.Lock()
			c.heldQoS2[p.PacketID] = p
			c.mu.Unlock()
		}
		return c.sendAck(conn, &encoding.PubrecPacket{PacketID: p.PacketID})
	}

	return encoding.ErrInvalidQoS, false
}

// routePubrel finishes the inbound QoS 2 exchange: clear the id, answer
// with PUBCOMP, then deliver the held message exactly once.
func (c *Client) routePubrel(conn transport.Transport, p *encoding.PubrelPacket) (error, bool) {
	released := c.tracker.ReleaseQoS2(p.PacketID)

	if err := c.send(conn, &encoding.PubcompPacket{PacketID: p.PacketID}); err != nil {
		return err, false
	}

	if !released {
		return nil, false
	}

	c.mu.Lock()
	held, ok := c.heldQoS2[p.PacketID]
	delete(c.heldQoS2, p.PacketID)
	c.mu.Unlock()

	if ok {
		if err := c.opts.Handler.HandleMessage(held.TopicName, held.Payload); err != nil {
			return err, false
		}
	}
	return nil, false
}

func (c *Client) sendAck(conn transport.Transport, pkt encoding.Packet) (error, bool) {
	if err := c.send(conn, pkt); err != nil {
		return err, false
	}
	return nil, false
}

// ackError classifies a tracker rejection: an ack that skipped its
// required predecessor is a protocol violation and fatal, a stray id is
// logged and ignored.
func (c *Client) ackError(got encoding.PacketType, packetID uint16, err error) (error, bool) {
	if errors.Is(err, inflight.ErrProtocolViolation) {
		return &ProtocolViolationError{Expected: encoding.PUBREC, Got: got}, true
	}
	c.log.Warn("ack for unknown packet id", "client_id", c.opts.ClientID, "type", got.String(), "packet_id", packetID)
	return nil, false
}

// resolveSuback settles a pending SUBSCRIBE: the granted QoS list becomes
// the authoritative subscription state.
func (c *Client) resolveSuback(p *encoding.SubackPacket) {
	c.mu.Lock()
	requested := c.pendingSubs[p.PacketID]
	delete(c.pendingSubs, p.PacketID)
	c.mu.Unlock()

	if err := c.tracker.HandleSuback(p.PacketID, p.ReturnCodes); err != nil {
		c.log.Warn("SUBACK for unknown packet id", "client_id", c.opts.ClientID, "packet_id", p.PacketID)
		return
	}

	for i, sub := range requested {
		if i >= len(p.ReturnCodes) {
			break
		}
		code := p.ReturnCodes[i]
		result := SubscribeResult{TopicFilter: sub.TopicFilter}
		if code == encoding.SubackFailure {
			result.Failed = true
		} else {
			result.GrantedQoS = code
			c.sess.AddSubscription(&session.Subscription{
				TopicFilter:  sub.TopicFilter,
				GrantedQoS:   code,
				SubscribedAt: time.Now(),
			})
		}
		c.opts.Handler.SubscriptionChange(result)
	}
}

// resolveUnsuback settles a pending UNSUBSCRIBE
func (c *Client) resolveUnsuback(p *encoding.UnsubackPacket) {
	c.mu.Lock()
	topics := c.pendingUnsubs[p.PacketID]
	delete(c.pendingUnsubs, p.PacketID)
	c.mu.Unlock()

	if err := c.tracker.HandleUnsuback(p.PacketID); err != nil {
		c.log.Warn("UNSUBACK for unknown packet id", "client_id", c.opts.ClientID, "packet_id", p.PacketID)
		return
	}

	for _, topic := range topics {
		c.sess.RemoveSubscription(topic)
	}
}

func (c *Client) handlePingresp() {
	c.mu.Lock()
	outstanding := c.pingOutstanding
	sentAt := c.pingSentAt
	c.pingOutstanding = false
	c.mu.Unlock()

	if !outstanding {
		c.log.Warn("PINGRESP without outstanding PINGREQ", "client_id", c.opts.ClientID)
		return
	}

	rtt := time.Since(sentAt)
	c.opts.Bus.Publish(Event{
		ClientID: c.opts.ClientID,
		Kind:     EventPingResponse,
		RTT:      rtt,
	})
	c.log.Debug("ping response", "client_id", c.opts.ClientID, "rtt", rtt)
}
