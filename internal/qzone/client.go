// Package qzone talks to the Qzone web endpoints using a browser cookie
// session. There is no official API; every call mimics the web client's
// form posts and JSONP reads.
package qzone

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAPIBase    = "https://user.qzone.qq.com"
	defaultUploadBase = "https://up.qzone.qq.com"

	publishPath = "/proxy/domain/taotao.qq.com/cgi-bin/emotion_cgi_publish_v6"
	listPath    = "/proxy/domain/taotao.qq.com/cgi-bin/emotion_cgi_msglist_v6"
	commentPath = "/proxy/domain/taotao.qq.com/cgi-bin/emotion_cgi_re_feeds"
	likePath    = "/proxy/domain/w.qzone.qq.com/cgi-bin/likes/internal_dolike_app"
	uploadPath  = "/cgi-bin/upload/cgi_upload_image"
)

// ParseCookie extracts the session fields from a browser cookie string.
// The uin cookie carries an "o" prefix and zero padding that the CGI
// endpoints reject, so both are stripped.
func ParseCookie(cookie string) (Credentials, error) {
	fields := map[string]string{}
	for _, part := range strings.Split(cookie, ";") {
		part = strings.TrimSpace(part)
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		fields[k] = v
	}

	uin := strings.TrimPrefix(fields["uin"], "o")
	uin = strings.TrimLeft(uin, "0")
	if uin == "" {
		return Credentials{}, fmt.Errorf("cookie missing uin")
	}
	skey := fields["skey"]
	if skey == "" {
		return Credentials{}, fmt.Errorf("cookie missing skey")
	}
	pskey := fields["p_skey"]
	if pskey == "" {
		return Credentials{}, fmt.Errorf("cookie missing p_skey")
	}

	return Credentials{
		Uin:    uin,
		SKey:   skey,
		PSKey:  pskey,
		GTK:    GTK(pskey),
		Cookie: cookie,
	}, nil
}

// GTK derives the anti-forgery token Qzone expects on every request: a
// 5381 rolling hash over the key, masked to 31 bits.
func GTK(key string) string {
	hash := 5381
	for _, c := range key {
		hash += (hash << 5) + int(c)
	}
	return strconv.Itoa(hash & 0x7fffffff)
}

// Client is a cookie-authenticated Qzone session.
type Client struct {
	creds      Credentials
	httpClient *http.Client
	apiBase    string
	uploadBase string
}

func NewClient(cookie string) (*Client, error) {
	creds, err := ParseCookie(cookie)
	if err != nil {
		return nil, fmt.Errorf("parse cookie: %w", err)
	}
	return &Client{
		creds:      creds,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiBase:    defaultAPIBase,
		uploadBase: defaultUploadBase,
	}, nil
}

// SetBaseURLs points the client at alternate hosts (for tests).
func (c *Client) SetBaseURLs(api, upload string) {
	c.apiBase = api
	c.uploadBase = upload
}

func (c *Client) Uin() string { return c.creds.Uin }

// CheckLogin verifies the cookie is still a live session by listing the
// owner's own feed. Expired cookies come back with a non-zero code.
func (c *Client) CheckLogin(ctx context.Context) error {
	if _, err := c.ListRecent(ctx, c.creds.Uin, 1); err != nil {
		return fmt.Errorf("session check: %w", err)
	}
	return nil
}

// UploadedImage is the slice of the upload response the publish call
// needs to attach a picture.
type UploadedImage struct {
	URL     string
	AlbumID string
	LLoc    string
	SLoc    string
	Type    int
	Height  int
	Width   int
}

// Publish posts a new feed entry and returns its tid. Images must have
// been uploaded first.
func (c *Client) Publish(ctx context.Context, text string, images []UploadedImage) (string, error) {
	form := url.Values{
		"syn_tweet_verson": {"1"},
		"paramstr":         {"1"},
		"con":              {text},
		"feedversion":      {"1"},
		"ver":              {"1"},
		"ugc_right":        {"1"},
		"to_sign":          {"1"},
		"hostuin":          {c.creds.Uin},
		"code_version":     {"1"},
		"format":           {"json"},
		"qzreferrer":       {"https://user.qzone.qq.com/" + c.creds.Uin},
	}
	if len(images) > 0 {
		var richval, picBo []string
		for _, img := range images {
			richval = append(richval, fmt.Sprintf(",%s,%s,%s,%d,%d,%d,,%d,%d",
				img.AlbumID, img.LLoc, img.SLoc, img.Type, img.Height, img.Width, img.Height, img.Width))
			if _, bo, ok := strings.Cut(img.URL, "bo="); ok {
				picBo = append(picBo, bo)
			}
		}
		form.Set("richtype", "1")
		form.Set("richval", strings.Join(richval, "\t"))
		form.Set("pic_bo", strings.Join(picBo, ","))
	}

	body, err := c.postForm(ctx, c.apiBase+publishPath, form)
	if err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}

	var resp struct {
		Code int    `json:"code"`
		Tid  string `json:"tid"`
		Msg  string `json:"message"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("publish: decode response: %w", err)
	}
	if resp.Code != 0 {
		return "", fmt.Errorf("publish: code %d: %s", resp.Code, resp.Msg)
	}
	return resp.Tid, nil
}

// UploadImage pushes raw image bytes up as a base64 form post and returns
// the handles Publish needs.
func (c *Client) UploadImage(ctx context.Context, data []byte) (UploadedImage, error) {
	form := url.Values{
		"filename":       {"filename"},
		"uploadtype":     {"1"},
		"albumtype":      {"7"},
		"exttype":        {"0"},
		"skey":           {c.creds.SKey},
		"zzpaneluin":     {c.creds.Uin},
		"p_uin":          {c.creds.Uin},
		"uin":            {c.creds.Uin},
		"p_skey":         {c.creds.PSKey},
		"output_type":    {"json"},
		"qzonetoken":     {""},
		"refer":          {"shuoshuo"},
		"charset":        {"utf-8"},
		"output_charset": {"utf-8"},
		"upload_hd":      {"1"},
		"hd_width":       {"2048"},
		"hd_height":      {"10000"},
		"hd_quality":     {"96"},
		"url":            {c.uploadBase + uploadPath + "?g_tk=" + c.creds.GTK},
		"base64":         {"1"},
		"picfile":        {base64.StdEncoding.EncodeToString(data)},
	}

	body, err := c.postForm(ctx, c.uploadBase+uploadPath+"?g_tk="+c.creds.GTK, form)
	if err != nil {
		return UploadedImage{}, fmt.Errorf("upload image: %w", err)
	}

	// The upload CGI wraps its JSON in a script frame; cut out the
	// object literal before decoding.
	raw := string(body)
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return UploadedImage{}, fmt.Errorf("upload image: malformed response")
	}

	var resp struct {
		Ret  int `json:"ret"`
		Data struct {
			URL     string `json:"url"`
			AlbumID string `json:"albumid"`
			LLoc    string `json:"lloc"`
			SLoc    string `json:"sloc"`
			Type    int    `json:"type"`
			Height  int    `json:"height"`
			Width   int    `json:"width"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &resp); err != nil {
		return UploadedImage{}, fmt.Errorf("upload image: decode response: %w", err)
	}
	if resp.Ret != 0 {
		return UploadedImage{}, fmt.Errorf("upload image: ret %d", resp.Ret)
	}
	return UploadedImage{
		URL:     resp.Data.URL,
		AlbumID: resp.Data.AlbumID,
		LLoc:    resp.Data.LLoc,
		SLoc:    resp.Data.SLoc,
		Type:    resp.Data.Type,
		Height:  resp.Data.Height,
		Width:   resp.Data.Width,
	}, nil
}

// ListRecent reads the newest posts on a user's feed, newest first.
func (c *Client) ListRecent(ctx context.Context, targetUin string, count int) ([]Post, error) {
	if count <= 0 {
		count = 10
	}
	q := url.Values{
		"uin":                  {targetUin},
		"ftype":                {"0"},
		"sort":                 {"0"},
		"pos":                  {"0"},
		"num":                  {strconv.Itoa(count)},
		"replynum":             {"100"},
		"g_tk":                 {c.creds.GTK},
		"callback":             {"_preloadCallback"},
		"code_version":         {"1"},
		"format":               {"jsonp"},
		"need_private_comment": {"1"},
	}

	body, err := c.get(ctx, c.apiBase+listPath+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("list feed: %w", err)
	}

	payload, err := unwrapJSONP(body)
	if err != nil {
		return nil, fmt.Errorf("list feed: %w", err)
	}

	var resp struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		MsgList []struct {
			Tid         string `json:"tid"`
			Uin         int64  `json:"uin"`
			Name        string `json:"name"`
			Content     string `json:"content"`
			CreatedTime int64  `json:"created_time"`
			CommentList []struct {
				Uin int64 `json:"uin"`
			} `json:"commentlist"`
		} `json:"msglist"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("list feed: decode response: %w", err)
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("list feed: code %d: %s", resp.Code, resp.Message)
	}

	myUin, _ := strconv.ParseInt(c.creds.Uin, 10, 64)
	posts := make([]Post, 0, len(resp.MsgList))
	for _, m := range resp.MsgList {
		p := Post{
			ID:        m.Tid,
			OwnerUin:  strconv.FormatInt(m.Uin, 10),
			OwnerName: m.Name,
			Text:      m.Content,
			CreatedAt: time.Unix(m.CreatedTime, 0),
		}
		for _, cm := range m.CommentList {
			if cm.Uin == myUin {
				p.HasMyComment = true
				break
			}
		}
		posts = append(posts, p)
	}
	return posts, nil
}

// Comment replies to a feed post.
func (c *Client) Comment(ctx context.Context, p Post, text string) error {
	form := url.Values{
		"topicId":      {p.OwnerUin + "_" + p.ID + "__1"},
		"feedsType":    {"100"},
		"inCharset":    {"utf-8"},
		"outCharset":   {"utf-8"},
		"plat":         {"qzone"},
		"source":       {"ic"},
		"hostUin":      {p.OwnerUin},
		"platformid":   {"50"},
		"uin":          {c.creds.Uin},
		"format":       {"fs"},
		"ref":          {"feeds"},
		"content":      {text},
		"richval":      {""},
		"richtype":     {""},
		"private":      {"0"},
		"paramstr":     {"1"},
		"qzreferrer":   {"https://user.qzone.qq.com/" + c.creds.Uin},
		"code_version": {"1"},
		"ver":          {"1"},
	}
	if _, err := c.postForm(ctx, c.apiBase+commentPath, form); err != nil {
		return fmt.Errorf("comment: %w", err)
	}
	return nil
}

// Like toggles a like on a feed post.
func (c *Client) Like(ctx context.Context, p Post) error {
	key := fmt.Sprintf("http://user.qzone.qq.com/%s/mood/%s", p.OwnerUin, p.ID)
	form := url.Values{
		"qzreferrer": {"https://user.qzone.qq.com/" + c.creds.Uin},
		"opuin":      {c.creds.Uin},
		"unikey":     {key},
		"curkey":     {key},
		"appid":      {"311"},
		"from":       {"1"},
		"typeid":     {"0"},
		"abstime":    {strconv.FormatInt(time.Now().Unix(), 10)},
		"fid":        {p.ID},
		"active":     {"0"},
		"fupdate":    {"1"},
	}
	if _, err := c.postForm(ctx, c.apiBase+likePath+"?g_tk="+c.creds.GTK, form); err != nil {
		return fmt.Errorf("like: %w", err)
	}
	return nil
}

func (c *Client) postForm(ctx context.Context, rawURL string, form url.Values) ([]byte, error) {
	if !strings.Contains(rawURL, "g_tk=") {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		rawURL += sep + "g_tk=" + c.creds.GTK
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Cookie", c.creds.Cookie)
	req.Header.Set("Referer", "https://user.qzone.qq.com/"+c.creds.Uin)
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0 Safari/537.36")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return body, nil
}

// unwrapJSONP strips the _preloadCallback(...) wrapper the feed list
// endpoint returns.
func unwrapJSONP(body []byte) ([]byte, error) {
	s := strings.TrimSpace(string(body))
	start := strings.Index(s, "(")
	end := strings.LastIndex(s, ")")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("malformed jsonp response")
	}
	return []byte(s[start+1 : end]), nil
}
