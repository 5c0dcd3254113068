package source

// poolKey identifies one pooled client: a chat plus the GitHub account
// subscribed in it.
type poolKey struct {
	chatID   int64
	username string
}

// Pool caches one GithubClient per (chat, username) pair so rate-limit state
// survives across poll cycles. Entries are never evicted; the pool dies with
// the process and its size is bounded by the subscription count.
//
// A Pool is owned by a single poll loop and is not safe for concurrent use.
type Pool struct {
	httpClient HTTPClient
	clients    map[poolKey]*GithubClient
}

// NewPool creates an empty pool whose clients perform requests with
// httpClient.
func NewPool(httpClient HTTPClient) *Pool {
	return &Pool{
		httpClient: httpClient,
		clients:    make(map[poolKey]*GithubClient),
	}
}

// Get returns the cached client for the pair, creating it on first use. The
// stored token is refreshed in place so a rotated credential takes effect
// without losing rate-limit state.
func (p *Pool) Get(chatID int64, username, token string) *GithubClient {
	key := poolKey{chatID: chatID, username: username}
	client, ok := p.clients[key]
	if !ok {
		client = NewGithubClient(p.httpClient, username, token)
		p.clients[key] = client
	}
	client.SetToken(token)
	return client
}

// Len returns the number of cached clients.
func (p *Pool) Len() int {
	return len(p.clients)
}
