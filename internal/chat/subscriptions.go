package chat

// Subscriptions records which operator connections joined which customer
// conversation. Typing signals are only routed to joined connections.
type Subscriptions struct {
	ClientConvs map[*Client]map[string]bool // client -> set(customer)
	ConvClients map[string]map[*Client]bool // customer -> set(client)
}

func newSubscriptions() *Subscriptions {
	return &Subscriptions{
		ClientConvs: map[*Client]map[string]bool{},
		ConvClients: map[string]map[*Client]bool{},
	}
}

func (s *Subscriptions) Join(c *Client, customerID string) {
	if customerID == "" {
		return
	}
	if _, ok := s.ClientConvs[c]; !ok {
		s.ClientConvs[c] = map[string]bool{}
	}
	s.ClientConvs[c][customerID] = true
	if _, ok := s.ConvClients[customerID]; !ok {
		s.ConvClients[customerID] = map[*Client]bool{}
	}
	s.ConvClients[customerID][c] = true
}

func (s *Subscriptions) Leave(c *Client, customerID string) {
	if convs, ok := s.ClientConvs[c]; ok {
		delete(convs, customerID)
		if len(convs) == 0 {
			delete(s.ClientConvs, c)
		}
	}
	if clients, ok := s.ConvClients[customerID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(s.ConvClients, customerID)
		}
	}
}

// Drop removes every subscription of c.
func (s *Subscriptions) Drop(c *Client) {
	for customerID := range s.ClientConvs[c] {
		if clients, ok := s.ConvClients[customerID]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(s.ConvClients, customerID)
			}
		}
	}
	delete(s.ClientConvs, c)
}

// Joined returns the clients that joined customerID.
func (s *Subscriptions) Joined(customerID string) []*Client {
	out := make([]*Client, 0, len(s.ConvClients[customerID]))
	for c := range s.ConvClients[customerID] {
		out = append(out, c)
	}
	return out
}

// Viewing reports whether any connection of operatorID joined customerID.
func (s *Subscriptions) Viewing(operatorID, customerID string) bool {
	for c := range s.ConvClients[customerID] {
		if c.Owner == operatorID {
			return true
		}
	}
	return false
}
