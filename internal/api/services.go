package api

// Service accessors group Client methods by resource.
// Each service embeds *Client.

type AgentsService struct{ *Client }

type ContactsService struct{ *Client }

type ConversationsService struct{ *Client }

type MessagesService struct{ *Client }

func (c *Client) Agents() AgentsService {
	return AgentsService{c}
}

func (c *Client) Contacts() ContactsService {
	return ContactsService{c}
}

func (c *Client) Conversations() ConversationsService {
	return ConversationsService{c}
}

func (c *Client) Messages() MessagesService {
	return MessagesService{c}
}
