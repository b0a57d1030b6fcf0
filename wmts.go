package main

import (
	"encoding/xml"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/paulmach/orb/maptile"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// OGC 标准像素尺寸（米）
const standardPixelSize = 0.00028

// 输出格式
const (
	FormatPNG  = "image/png"
	FormatJPEG = "image/jpeg"
)

var wmtsLayers = []string{LayerOrtho, LayerGraph, LayerOPI}

//kvp WMTS 参数名大小写不敏感
type kvp map[string]string

func kvpOf(r *http.Request) kvp {
	q := make(kvp)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			q[strings.ToUpper(k)] = v[0]
		}
	}
	return q
}

func (q kvp) number(name string) (int, error) {
	v, ok := q[name]
	if !ok {
		return 0, errors.Wrapf(ErrValidation, "missing parameter %s", name)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(ErrValidation, "parameter %s: %q is not an integer", name, v)
	}
	return n, nil
}

//handleWMTS WMTS KVP 入口
func (s *Server) handleWMTS(w http.ResponseWriter, r *http.Request) {
	id, err := branchID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	b, c, err := s.branches.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	q := kvpOf(r)
	if svc, ok := q["SERVICE"]; ok && !strings.EqualFold(svc, "WMTS") {
		writeError(w, errors.Wrapf(ErrValidation, "service %q not supported", svc))
		return
	}
	switch strings.ToUpper(q["REQUEST"]) {
	case "GETCAPABILITIES":
		s.getCapabilities(w, r, b, c)
	case "GETTILE":
		s.getTile(w, q, b, c)
	case "GETFEATUREINFO":
		s.getFeatureInfo(w, q, b, c)
	default:
		writeError(w, errors.Wrapf(ErrValidation, "request %q not supported", q["REQUEST"]))
	}
}

//tileParams 校验瓦片参数
func tileParams(q kvp, c *Cache) (string, maptile.Tile, error) {
	if tms := q["TILEMATRIXSET"]; tms != c.Identifier {
		return "", maptile.Tile{}, errors.Wrapf(ErrValidation, "tile matrix set %q unknown", tms)
	}
	layer := q["LAYER"]
	switch layer {
	case LayerOrtho, LayerGraph, LayerOPI:
	default:
		return "", maptile.Tile{}, errors.Wrapf(ErrValidation, "layer %q unknown", layer)
	}
	z, err := q.number("TILEMATRIX")
	if err != nil {
		return "", maptile.Tile{}, err
	}
	y, err := q.number("TILEROW")
	if err != nil {
		return "", maptile.Tile{}, err
	}
	x, err := q.number("TILECOL")
	if err != nil {
		return "", maptile.Tile{}, err
	}
	if z < c.Level.Min || z > c.Level.Max {
		return "", maptile.Tile{}, errors.Wrapf(ErrValidation, "tile matrix %d out of range [%d,%d]", z, c.Level.Min, c.Level.Max)
	}
	if w, h := matrixSize(c, z); x < 0 || y < 0 || x >= w || y >= h {
		return "", maptile.Tile{}, errors.Wrapf(ErrValidation, "tile %d/%d/%d out of matrix %dx%d", z, x, y, w, h)
	}
	return layer, maptile.New(uint32(x), uint32(y), maptile.Zoom(z)), nil
}

//loadTile 读取瓦片，文件不存在时为透明瓦片
func (s *Server) loadTile(path string, a SlabAddress, c *Cache) (*image.NRGBA, error) {
	img, err := s.slabs.Load(path)
	if err != nil {
		return nil, err
	}
	layout := layoutOf(c)
	if img == nil {
		return image.NewNRGBA(image.Rect(0, 0, c.TileSize, c.TileSize)), nil
	}
	if img.Bounds() != layout.Bounds() {
		return nil, errors.Wrapf(ErrCacheCorruption, "slab %s is %v, expected %v", path, img.Bounds(), layout.Bounds())
	}
	return cropTile(img, layout.TileRect(a)), nil
}

func (s *Server) getTile(w http.ResponseWriter, q kvp, b Branch, c *Cache) {
	layer, t, err := tileParams(q, c)
	if err != nil {
		writeError(w, err)
		return
	}
	format := q["FORMAT"]
	if format == "" {
		format = FormatPNG
	}
	if format != FormatPNG && format != FormatJPEG {
		writeError(w, errors.Wrapf(ErrValidation, "format %q not supported", format))
		return
	}
	path, a, err := Resolve(c, b, layer, t, q["NAME"])
	if err != nil {
		writeError(w, err)
		return
	}
	tile, err := s.loadTile(path, a, c)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", format)
	if format == FormatJPEG {
		err = jpeg.Encode(w, tile, &jpeg.Options{Quality: 90})
	} else {
		err = png.Encode(w, tile)
	}
	if err != nil {
		log.Errorf("encode tile %s error ~ %s", tileString(t), err)
	}
}

//FeatureInfo 像素所属的原始影像
type FeatureInfo struct {
	XMLName xml.Name        `xml:"FeatureInfoResponse"`
	Layer   string          `xml:"layer,attr"`
	Status  string          `xml:"status"`
	OPI     *FeatureInfoOPI `xml:"OPI,omitempty"`
}

//FeatureInfoOPI 原始影像信息
type FeatureInfoOPI struct {
	Name   string `xml:"name"`
	Date   string `xml:"date,omitempty"`
	TimeUT string `xml:"time_ut,omitempty"`
	Color  string `xml:"color"`
}

const (
	infoFound      = "ok"
	infoOutOfGraph = "out of graph"
)

//featureInfoAt 读取 graph 像素颜色并反查原始影像，黑色或无文件时在图外
func (s *Server) featureInfoAt(c *Cache, b Branch, t maptile.Tile, i, j int) (FeatureInfo, error) {
	info := FeatureInfo{Layer: LayerGraph, Status: infoOutOfGraph}
	path, a, err := Resolve(c, b, LayerGraph, t, "")
	if err != nil {
		return info, err
	}
	img, err := s.slabs.Load(path)
	if err != nil || img == nil {
		return info, err
	}
	layout := layoutOf(c)
	if img.Bounds() != layout.Bounds() {
		return info, errors.Wrapf(ErrCacheCorruption, "slab %s is %v, expected %v", path, img.Bounds(), layout.Bounds())
	}
	r := layout.TileRect(a)
	rgb := rgbAt(img, r.Min.X+i, r.Min.Y+j)
	if rgb == [3]uint8{} {
		return info, nil
	}
	opi, ok := c.OPIByColor(rgb)
	if !ok {
		return info, errors.Wrapf(ErrCacheCorruption, "color %v at %s (%d,%d) matches no opi", rgb, tileString(t), i, j)
	}
	info.Status = infoFound
	info.OPI = &FeatureInfoOPI{
		Name:   opi.Name,
		Date:   opi.Date,
		TimeUT: opi.Time,
		Color:  fmt.Sprintf("%d,%d,%d", rgb[0], rgb[1], rgb[2]),
	}
	return info, nil
}

func (s *Server) getFeatureInfo(w http.ResponseWriter, q kvp, b Branch, c *Cache) {
	if _, ok := q["LAYER"]; !ok {
		q["LAYER"] = LayerGraph
	}
	_, t, err := tileParams(q, c)
	if err != nil {
		writeError(w, err)
		return
	}
	i, err := q.number("I")
	if err != nil {
		writeError(w, err)
		return
	}
	j, err := q.number("J")
	if err != nil {
		writeError(w, err)
		return
	}
	if i < 0 || j < 0 || i >= c.TileSize || j >= c.TileSize {
		writeError(w, errors.Wrapf(ErrValidation, "pixel (%d,%d) outside tile", i, j))
		return
	}
	info, err := s.featureInfoAt(c, b, t, i, j)
	if err != nil {
		writeError(w, err)
		return
	}
	writeXML(w, info)
}

func writeXML(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(xml.Header))
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Errorf("encode xml error ~ %s", err)
	}
}

//Capabilities WMTS 能力文档
type Capabilities struct {
	XMLName     xml.Name       `xml:"Capabilities"`
	Xmlns       string         `xml:"xmlns,attr"`
	XmlnsOws    string         `xml:"xmlns:ows,attr"`
	XmlnsXlink  string         `xml:"xmlns:xlink,attr"`
	Version     string         `xml:"version,attr"`
	Title       string         `xml:"ows:ServiceIdentification>ows:Title"`
	ServiceType string         `xml:"ows:ServiceIdentification>ows:ServiceType"`
	TypeVersion string         `xml:"ows:ServiceIdentification>ows:ServiceTypeVersion"`
	Layers      []CapLayer     `xml:"Contents>Layer"`
	MatrixSets  []CapMatrixSet `xml:"Contents>TileMatrixSet"`
}

//CapLayer 图层
type CapLayer struct {
	Title       string        `xml:"ows:Title"`
	Identifier  string        `xml:"ows:Identifier"`
	Style       CapStyle      `xml:"Style"`
	Formats     []string      `xml:"Format"`
	InfoFormat  string        `xml:"InfoFormat,omitempty"`
	MatrixSet   string        `xml:"TileMatrixSetLink>TileMatrixSet"`
	ResourceURL []CapResource `xml:"ResourceURL"`
}

//CapStyle 样式
type CapStyle struct {
	IsDefault  bool   `xml:"isDefault,attr"`
	Identifier string `xml:"ows:Identifier"`
}

//CapResource 瓦片地址模板
type CapResource struct {
	Format       string `xml:"format,attr"`
	ResourceType string `xml:"resourceType,attr"`
	Template     string `xml:"template,attr"`
}

//CapMatrixSet 瓦片矩阵集
type CapMatrixSet struct {
	Identifier string      `xml:"ows:Identifier"`
	CRS        string      `xml:"ows:SupportedCRS"`
	Matrices   []CapMatrix `xml:"TileMatrix"`
}

//CapMatrix 单个级别
type CapMatrix struct {
	Identifier       string  `xml:"ows:Identifier"`
	ScaleDenominator float64 `xml:"ScaleDenominator"`
	TopLeftCorner    string  `xml:"TopLeftCorner"`
	TileWidth        int     `xml:"TileWidth"`
	TileHeight       int     `xml:"TileHeight"`
	MatrixWidth      int     `xml:"MatrixWidth"`
	MatrixHeight     int     `xml:"MatrixHeight"`
}

//matrixSize 级别的瓦片行列数：有外包框时覆盖外包框，否则为完整的 2^z
func matrixSize(c *Cache, z int) (int, int) {
	bb := c.BoundingBox
	if bb.XMax <= bb.XMin || bb.YMax <= bb.YMin {
		return 1 << uint(z), 1 << uint(z)
	}
	span := c.ResolutionAt(z) * float64(c.TileSize)
	w := int(math.Ceil((bb.XMax - c.Origin.X) / span))
	h := int(math.Ceil((c.Origin.Y - bb.YMin) / span))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

//resourceTemplate 分支上某图层的 GetTile 地址模板
func resourceTemplate(base string, b Branch, c *Cache, layer, format string) string {
	return fmt.Sprintf("%s/%d/wmts?SERVICE=WMTS&REQUEST=GetTile&VERSION=1.0.0&LAYER=%s&STYLE=normal&TILEMATRIXSET=%s&TILEMATRIX={TileMatrix}&TILEROW={TileRow}&TILECOL={TileCol}&FORMAT=%s",
		base, b.ID, layer, c.Identifier, format)
}

//buildCapabilities 由缓存参数生成能力文档
func buildCapabilities(title, base string, b Branch, c *Cache) Capabilities {
	caps := Capabilities{
		Xmlns:       "http://www.opengis.net/wmts/1.0",
		XmlnsOws:    "http://www.opengis.net/ows/1.1",
		XmlnsXlink:  "http://www.w3.org/1999/xlink",
		Version:     "1.0.0",
		Title:       fmt.Sprintf("%s - %s", title, b.Name),
		ServiceType: "OGC WMTS",
		TypeVersion: "1.0.0",
	}
	for _, layer := range wmtsLayers {
		l := CapLayer{
			Title:      layer,
			Identifier: layer,
			Style:      CapStyle{IsDefault: true, Identifier: "normal"},
			Formats:    []string{FormatPNG, FormatJPEG},
			MatrixSet:  c.Identifier,
		}
		if layer == LayerGraph {
			l.InfoFormat = "application/xml"
		}
		for _, f := range l.Formats {
			tmpl := resourceTemplate(base, b, c, layer, f)
			if layer == LayerOPI {
				tmpl += "&NAME={Name}"
			}
			l.ResourceURL = append(l.ResourceURL, CapResource{Format: f, ResourceType: "tile", Template: tmpl})
		}
		caps.Layers = append(caps.Layers, l)
	}
	set := CapMatrixSet{Identifier: c.Identifier, CRS: c.CRS.String()}
	for z := c.Level.Min; z <= c.Level.Max; z++ {
		mw, mh := matrixSize(c, z)
		set.Matrices = append(set.Matrices, CapMatrix{
			Identifier:       strconv.Itoa(z),
			ScaleDenominator: c.ResolutionAt(z) / standardPixelSize,
			TopLeftCorner:    fmt.Sprintf("%v %v", c.Origin.X, c.Origin.Y),
			TileWidth:        c.TileSize,
			TileHeight:       c.TileSize,
			MatrixWidth:      mw,
			MatrixHeight:     mh,
		})
	}
	caps.MatrixSets = []CapMatrixSet{set}
	return caps
}

func (s *Server) getCapabilities(w http.ResponseWriter, r *http.Request, b Branch, c *Cache) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://%s", scheme, r.Host)
	writeXML(w, buildCapabilities(s.title, base, b, c))
}
