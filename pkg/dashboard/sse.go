package dashboard

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
)

func sseHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
}

// jobsSSE relays hub notifications as Server-Sent Events. The stream is a
// regular hub client, so it is dropped when it falls behind.
func (d *Dashboard) jobsSSE(c *gin.Context) {
	sseHeaders(c)

	client := d.hub.Connect(c.Query("user"), false)
	defer d.hub.Disconnect(client.ID, "stream closed")

	clientGone := c.Request.Context().Done()
	c.Writer.Flush()

	for {
		select {
		case <-clientGone:
			return
		case <-client.Done():
			return
		case f := <-client.Send():
			if f.Ping {
				fmt.Fprintf(c.Writer, ": ping\n\n")
			} else {
				fmt.Fprintf(c.Writer, "event: %s\n", f.Event)
				fmt.Fprintf(c.Writer, "data: %s\n\n", f.Data)
			}
			c.Writer.Flush()
		}
	}
}

// workersSSE streams the worker list on an interval.
func (d *Dashboard) workersSSE(c *gin.Context) {
	d.poll(c, "workers", func() (interface{}, error) {
		return d.registry.List(c.Request.Context(), "")
	})
}

// statusSSE streams the fleet overview on an interval.
func (d *Dashboard) statusSSE(c *gin.Context) {
	d.poll(c, "status", func() (interface{}, error) {
		return d.statusData(c.Request.Context())
	})
}

func (d *Dashboard) poll(c *gin.Context, event string, snapshot func() (interface{}, error)) {
	sseHeaders(c)

	clientGone := c.Request.Context().Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	send := func() {
		v, err := snapshot()
		if err != nil {
			return
		}
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\n", event)
		fmt.Fprintf(c.Writer, "data: %s\n\n", data)
		c.Writer.Flush()
	}

	send()
	for {
		select {
		case <-clientGone:
			return
		case <-ticker.C:
			send()
		}
	}
}
